package suite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/broker"
	"github.com/jaxxstorm/gatediag/internal/broker/brokertest"
	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	events   broker.Events
	closed   atomic.Bool
	messages []string
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, _ byte) error {
	for _, m := range c.messages {
		if c.events.OnMessage != nil {
			c.events.OnMessage(topic, []byte(m))
		}
	}
	return nil
}

func (c *fakeConn) Close() {
	c.closed.Store(true)
}

type fakeDialer struct {
	err      error
	messages []string

	mu        sync.Mutex
	clientIDs []string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, clientID string, events broker.Events) (broker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clientIDs = append(d.clientIDs, clientID)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{events: events, messages: d.messages}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func lines(n int) census.Source {
	return census.SourceFunc(func(context.Context, int) ([]string, error) {
		out := make([]string, n)
		for i := range out {
			out[i] = "node 4242 gate 21u IPv4 0t0 TCP 127.0.0.1:50000->127.0.0.1:9001 (ESTABLISHED)"
		}
		return out, nil
	})
}

func bridge(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"connected": true, "status": "connected", "clientId": "proxy-1"})
		case http.MethodPost:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "topic": body["topic"], "message": body["message"]})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(proxyURL string) Config {
	return Config{
		BrokerURL:       "ws://gate.invalid:9001",
		ProxyURL:        proxyURL,
		PublishTopic:    "IoT/Brana/Control",
		PublishMessage:  "status",
		CensusPort:      9001,
		ConcurrentCount: 3,
		ConnectWait:     time.Second,
		Settle:          10 * time.Millisecond,
		HTTPTimeout:     2 * time.Second,
	}
}

func build(res Result) model.DiagnosticReport {
	return report.Build(res.Records, report.Counters{
		MessagesReceived:   res.MessagesReceived,
		ConnectionAttempts: res.ConnectionAttempts,
	}, time.Now())
}

func TestRunBrokerUnreachable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	proxyURL := down.URL
	down.Close()

	dialer := &fakeDialer{err: &broker.ConnectError{Outcome: analyze.OutcomeConnectionError, Err: errors.New("dial tcp: connection refused")}}
	s, err := New(testConfig(proxyURL), Dependencies{Dialer: dialer, Census: lines(0)})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 4)

	direct := res.Records[0].Result.(model.DirectConnectionResult)
	assert.False(t, direct.Success)
	assert.Equal(t, string(analyze.OutcomeConnectionError), direct.Outcome)

	proxy := res.Records[1].Result.(model.ProxyRoundtripResult)
	assert.False(t, proxy.Success)
	assert.Equal(t, string(analyze.OutcomeConnectionError), proxy.Outcome)

	concurrent := res.Records[3].Result.(model.ConcurrentResult)
	assert.Equal(t, 0, concurrent.Successful)
	assert.Equal(t, 3, concurrent.Total)
	assert.Equal(t, 4, res.ConnectionAttempts)

	rep := build(res)
	assert.Contains(t, rep.Recommendations, "Direct MQTT connection failed - check broker accessibility and firewall")
	assert.Contains(t, rep.Recommendations, "Low connection success rate (0.0%) - broker may be overloaded")
	assert.Equal(t, 1, analyze.ExitCode(rep))
}

func TestRunHealthy(t *testing.T) {
	dialer := &fakeDialer{messages: []string{"open", "closed"}}
	s, err := New(testConfig(bridge(t).URL), Dependencies{Dialer: dialer, Census: lines(2)})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	names := []model.TestName{}
	for _, r := range res.Records {
		names = append(names, r.Test)
	}
	assert.Equal(t, []model.TestName{
		model.TestDirectConnection,
		model.TestProxyRoundtrip,
		model.TestConnectionCensus,
		model.TestConcurrentConnections,
	}, names)

	direct := res.Records[0].Result.(model.DirectConnectionResult)
	assert.True(t, direct.Success)
	assert.NotNil(t, direct.ConnectedAt)
	assert.Equal(t, 2, direct.MessagesReceived)
	assert.Equal(t, 2, res.MessagesReceived)

	proxy := res.Records[1].Result.(model.ProxyRoundtripResult)
	require.True(t, proxy.Success, proxy.Error)
	assert.Equal(t, true, proxy.Get["connected"])
	assert.Equal(t, "IoT/Brana/Control", proxy.Post["topic"])
	assert.Equal(t, "status", proxy.Post["message"])

	censusResult := res.Records[2].Result.(model.CensusResult)
	assert.Equal(t, 2, censusResult.Count)

	rep := build(res)
	assert.Empty(t, rep.Recommendations)
	assert.Equal(t, 4, rep.Summary.TotalTests)
	assert.Equal(t, 4, rep.Summary.ConnectionAttempts)
	assert.Equal(t, 0, analyze.ExitCode(rep))

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.clientIDs, 4)
	assert.Regexp(t, `^debug-tool-\d+$`, dialer.clientIDs[0])
	seen := map[string]bool{}
	for _, id := range dialer.clientIDs[1:] {
		assert.Regexp(t, `^debug-multi-\d-`, id)
		assert.False(t, seen[id], "duplicate client id %s", id)
		seen[id] = true
	}
	for _, c := range dialer.conns {
		assert.True(t, c.closed.Load())
	}
}

func TestProxyFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		outcome analyze.Outcome
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			outcome: analyze.OutcomeProtocolError,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>oops</html>"))
			},
			outcome: analyze.OutcomeProtocolError,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			outcome: analyze.OutcomeProtocolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s, err := New(testConfig(srv.URL), Dependencies{Dialer: &fakeDialer{}, Census: lines(0)})
			require.NoError(t, err)
			result := s.proxyRoundtrip(context.Background())
			assert.False(t, result.Success)
			assert.Equal(t, string(tt.outcome), result.Outcome)
			assert.NotEmpty(t, result.Error)
		})
	}
}

func TestProxyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := New(testConfig(url), Dependencies{Dialer: &fakeDialer{}, Census: lines(0)})
	require.NoError(t, err)
	result := s.proxyRoundtrip(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, string(analyze.OutcomeConnectionError), result.Outcome)
}

func TestCensusFailure(t *testing.T) {
	src := census.SourceFunc(func(context.Context, int) ([]string, error) {
		return nil, &exec.Error{Name: "lsof", Err: exec.ErrNotFound}
	})
	s, err := New(testConfig("http://127.0.0.1:1"), Dependencies{Dialer: &fakeDialer{}, Census: src})
	require.NoError(t, err)

	result := s.connectionCensus(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, string(analyze.OutcomeOSQueryFailure), result.Outcome)
	assert.Equal(t, 9001, result.Port)
	assert.NotNil(t, result.Connections)
}

func TestRunCancelled(t *testing.T) {
	s, err := New(testConfig(bridge(t).URL), Dependencies{Dialer: &fakeDialer{}, Census: lines(0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Records)
}

func TestRunCancelledBetweenStages(t *testing.T) {
	cfg := testConfig(bridge(t).URL)
	cfg.StageDelay = time.Minute
	s, err := New(cfg, Dependencies{Dialer: &fakeDialer{}, Census: lines(0)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, res.Records, 1)
	assert.Equal(t, model.TestDirectConnection, res.Records[0].Test)
}

func TestRunCancelledDuringObserve(t *testing.T) {
	cfg := testConfig(bridge(t).URL)
	cfg.Observe = time.Minute
	dialer := &fakeDialer{}
	s, err := New(cfg, Dependencies{Dialer: dialer, Census: lines(0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Records)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.conns, 1)
	assert.True(t, dialer.conns[0].closed.Load())
}

func TestRunCancelledDuringConcurrentConnections(t *testing.T) {
	cfg := testConfig(bridge(t).URL)
	cfg.Settle = time.Minute
	dialer := &fakeDialer{}
	s, err := New(cfg, Dependencies{Dialer: dialer, Census: lines(2)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// cancel once every concurrent attempt is holding its connection
		for {
			dialer.mu.Lock()
			n := len(dialer.conns)
			dialer.mu.Unlock()
			if n == 1+cfg.ConcurrentCount || ctx.Err() != nil {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	start := time.Now()
	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)

	names := []model.TestName{}
	for _, r := range res.Records {
		names = append(names, r.Test)
	}
	assert.Equal(t, []model.TestName{
		model.TestDirectConnection,
		model.TestProxyRoundtrip,
		model.TestConnectionCensus,
	}, names)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{Census: lines(0)})
	assert.Error(t, err)
	_, err = New(Config{}, Dependencies{Dialer: &fakeDialer{}})
	assert.Error(t, err)
}

func TestRunAgainstBroker(t *testing.T) {
	b := brokertest.Start(t)
	cfg := testConfig(bridge(t).URL)
	cfg.BrokerURL = b.WSURL
	cfg.WebsocketCheck = true
	cfg.ConnectWait = 5 * time.Second
	cfg.Settle = 200 * time.Millisecond

	dialer := broker.NewDialer(broker.Options{URL: b.WSURL, ConnectTimeout: 5 * time.Second})
	s, err := New(cfg, Dependencies{Dialer: dialer, Census: lines(1)})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	direct := res.Records[0].Result.(model.DirectConnectionResult)
	require.True(t, direct.Success, direct.Error)
	require.NotNil(t, direct.Websocket)
	assert.True(t, direct.Websocket.Upgraded)

	concurrent := res.Records[3].Result.(model.ConcurrentResult)
	assert.Equal(t, 3, concurrent.Successful)
	assert.Equal(t, 0, analyze.ExitCode(build(res)))
}

func TestRunAgainstRejectingBroker(t *testing.T) {
	b := brokertest.Start(t, brokertest.RejectAll())
	cfg := testConfig(bridge(t).URL)
	cfg.BrokerURL = b.TCPURL
	cfg.ConnectWait = 5 * time.Second
	cfg.Settle = 2 * time.Second

	dialer := broker.NewDialer(broker.Options{URL: b.TCPURL, ConnectTimeout: 5 * time.Second})
	s, err := New(cfg, Dependencies{Dialer: dialer, Census: lines(0)})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	direct := res.Records[0].Result.(model.DirectConnectionResult)
	assert.False(t, direct.Success)
	assert.Equal(t, string(analyze.OutcomeProtocolRejection), direct.Outcome)
	assert.NotZero(t, direct.ReasonCode)

	concurrent := res.Records[3].Result.(model.ConcurrentResult)
	assert.Equal(t, 0, concurrent.Successful)
	for _, d := range concurrent.Details {
		assert.Equal(t, string(analyze.OutcomeProtocolRejection), d.Outcome)
	}
}
