// Package tail follows broker traffic and the connection table until
// cancelled.
package tail

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jaxxstorm/gatediag/internal/broker"
	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultClientID = "mqtt-monitor-listener"

var DefaultTopics = []string{
	"#",
	"$SYS/broker/clients/connected",
	"$SYS/broker/clients/disconnected",
}

type Options struct {
	Dialer        broker.Dialer
	Census        census.Source
	Port          int
	ClientID      string
	Topics        []string
	ConnectWait   time.Duration
	PollInterval  time.Duration
	RetryInterval time.Duration
	Printer       output.Printer

	// Emit receives every classified message. When nil the message is
	// printed through Printer.
	Emit   func(model.TailEvent)
	Logger *zap.Logger
	Now    func() time.Time
}

type Tailer struct {
	opts     Options
	messages atomic.Int64
}

func New(opts Options) (*Tailer, error) {
	if opts.Dialer == nil {
		return nil, errors.New("tail: broker dialer is required")
	}
	if opts.Census == nil {
		return nil, errors.New("tail: census source is required")
	}
	if opts.Port == 0 {
		opts.Port = 9001
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if len(opts.Topics) == 0 {
		opts.Topics = DefaultTopics
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.Printer == nil {
		opts.Printer = output.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tailer{opts: opts}, nil
}

// Messages is the number of broker messages seen so far.
func (t *Tailer) Messages() int64 {
	return t.messages.Load()
}

// Run drives the message loop and the census loop until ctx ends, then
// returns ctx's error.
func (t *Tailer) Run(ctx context.Context) error {
	t.opts.Printer.Print(output.LevelInfo, "Monitoring MQTT traffic and port %d connections (Ctrl+C to stop)", t.opts.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.messageLoop(gctx)
		return nil
	})
	g.Go(func() error {
		t.censusLoop(gctx)
		return nil
	})
	_ = g.Wait()

	t.opts.Printer.Print(output.LevelInfo, "Monitor stopped after %d messages", t.Messages())
	return ctx.Err()
}

func (t *Tailer) messageLoop(ctx context.Context) {
	for ctx.Err() == nil {
		lost := make(chan error, 1)
		events := broker.Events{
			OnMessage: t.handle,
			OnConnectionLost: func(err error) {
				select {
				case lost <- err:
				default:
				}
			},
		}

		dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectWait)
		conn, err := t.opts.Dialer.Dial(dialCtx, t.opts.ClientID, events)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			outcome, _ := broker.OutcomeOf(err)
			t.opts.Printer.Print(output.LevelError, "MQTT connection failed (%s): %v; retrying in %s", outcome, err, t.opts.RetryInterval)
			if wait(ctx, t.opts.RetryInterval) != nil {
				return
			}
			continue
		}
		t.opts.Printer.Print(output.LevelInfo, "Monitor connected to MQTT broker")

		for _, topic := range t.opts.Topics {
			if err := conn.Subscribe(ctx, topic, 1); err != nil {
				t.opts.Printer.Print(output.LevelWarn, "Subscribe to %s failed: %v", topic, err)
				continue
			}
			t.opts.Logger.Debug("subscribed", zap.String("topic", topic))
		}

		select {
		case <-ctx.Done():
			conn.Close()
			return
		case err := <-lost:
			conn.Close()
			t.opts.Printer.Print(output.LevelWarn, "Monitor disconnected: %v; reconnecting in %s", err, t.opts.RetryInterval)
			if wait(ctx, t.opts.RetryInterval) != nil {
				return
			}
		}
	}
}

func (t *Tailer) handle(topic string, payload []byte) {
	t.messages.Add(1)
	event := model.TailEvent{
		Timestamp: t.opts.Now(),
		Kind:      ClassifyTopic(topic),
		Topic:     topic,
		Payload:   string(payload),
	}
	if t.opts.Emit != nil {
		t.opts.Emit(event)
		return
	}
	t.opts.Printer.Print(levelFor(event.Kind), "%s: %s = %s", labels[event.Kind], event.Topic, event.Payload)
}

var labels = map[model.EventKind]string{
	model.EventConnection:  "CONNECTION EVENT",
	model.EventGate:        "GATE MESSAGE",
	model.EventActivityLog: "ACTIVITY LOG",
	model.EventGeneric:     "MESSAGE",
}

func levelFor(kind model.EventKind) output.Level {
	if kind == model.EventConnection {
		return output.LevelWarn
	}
	return output.LevelInfo
}

// ClassifyTopic buckets a topic for display. Connection-related topics win
// over the gate prefixes.
func ClassifyTopic(topic string) model.EventKind {
	lower := strings.ToLower(topic)
	switch {
	case strings.Contains(lower, "connect"):
		return model.EventConnection
	case strings.HasPrefix(topic, "IoT/Brana/"):
		return model.EventGate
	case strings.HasPrefix(topic, "Log/Brana/"):
		return model.EventActivityLog
	default:
		return model.EventGeneric
	}
}

func (t *Tailer) censusLoop(ctx context.Context) {
	var previous *model.CensusSample
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		sample, err := census.Sample(ctx, t.opts.Census, t.opts.Port)
		switch {
		case err != nil && ctx.Err() == nil:
			t.opts.Printer.Print(output.LevelWarn, "Error checking connections: %v", err)
		case err == nil && previous == nil:
			t.opts.Printer.Print(output.LevelInfo, "Initial connections on port %d: %d", t.opts.Port, sample.Count)
			previous = &sample
		case err == nil:
			if delta, changed := census.Compare(*previous, sample); changed {
				t.printDelta(delta)
			}
			previous = &sample
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tailer) printDelta(delta census.Delta) {
	t.opts.Printer.Print(output.LevelWarn, "MQTT connections changed: %d -> %d", delta.Previous, delta.Current)
	for _, line := range delta.Lines {
		switch line.Class {
		case census.ClassBrowser:
			t.opts.Printer.Print(output.LevelInfo, "  Browser: %s", line.Line)
		case census.ClassRuntime:
			t.opts.Printer.Print(output.LevelInfo, "  Runtime: %s", line.Line)
		default:
			t.opts.Printer.Print(output.LevelInfo, "  Other: %s", line.Line)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
