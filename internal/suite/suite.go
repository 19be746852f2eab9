package suite

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jaxxstorm/gatediag/internal/broker"
	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
	"go.uber.org/zap"
)

type Config struct {
	BrokerURL       string
	StatusTopic     string
	ProxyURL        string
	PublishTopic    string
	PublishMessage  string
	CensusPort      int
	ConcurrentCount int
	ConnectWait     time.Duration
	Observe         time.Duration
	Settle          time.Duration
	StageDelay      time.Duration
	HTTPTimeout     time.Duration
	WebsocketCheck  bool
	Insecure        bool
}

type Dependencies struct {
	Dialer     broker.Dialer
	HTTPClient *http.Client
	Census     census.Source
	Printer    output.Printer
	Logger     *zap.Logger
	Now        func() time.Time
}

// Result is everything a run accumulated, in stage order.
type Result struct {
	Records            []model.TestRecord
	MessagesReceived   int
	ConnectionAttempts int
}

type Suite struct {
	cfg  Config
	deps Dependencies
}

type stage struct {
	name model.TestName
	run  func(context.Context, *Result) any
}

func New(cfg Config, deps Dependencies) (*Suite, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("suite: broker dialer is required")
	}
	if deps.Census == nil {
		return nil, fmt.Errorf("suite: census source is required")
	}
	if cfg.ConcurrentCount <= 0 {
		cfg.ConcurrentCount = 3
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 15 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = "IoT/Brana/Status"
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Printer == nil {
		deps.Printer = output.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Suite{cfg: cfg, deps: deps}, nil
}

// Run executes every stage in order. A failing stage is recorded and the run
// moves on; only cancellation of ctx stops it early, in which case the
// records of the stages that completed are returned with ctx's error.
func (s *Suite) Run(ctx context.Context) (Result, error) {
	stages := []stage{
		{model.TestDirectConnection, func(ctx context.Context, r *Result) any { return s.directConnection(ctx, r) }},
		{model.TestProxyRoundtrip, func(ctx context.Context, r *Result) any { return s.proxyRoundtrip(ctx) }},
		{model.TestConnectionCensus, func(ctx context.Context, r *Result) any { return s.connectionCensus(ctx) }},
		{model.TestConcurrentConnections, func(ctx context.Context, r *Result) any { return s.concurrentConnections(ctx, r) }},
	}

	result := Result{Records: []model.TestRecord{}}
	for i, st := range stages {
		if i > 0 {
			if err := sleep(ctx, s.cfg.StageDelay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		s.deps.Logger.Info("stage started", zap.String("stage", string(st.name)))
		payload := st.run(ctx, &result)
		// A stage cut short by cancellation is not recorded.
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Records = append(result.Records, model.TestRecord{
			Test:      st.name,
			Result:    payload,
			Timestamp: s.deps.Now(),
		})
	}
	return result, nil
}

func (s *Suite) print(level output.Level, format string, args ...any) {
	s.deps.Printer.Print(level, format, args...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
