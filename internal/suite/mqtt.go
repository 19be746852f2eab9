package suite

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/broker"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (s *Suite) directConnection(ctx context.Context, run *Result) model.DirectConnectionResult {
	s.print(output.LevelInfo, "Testing direct MQTT broker connection to %s", s.cfg.BrokerURL)
	result := model.DirectConnectionResult{}

	if s.cfg.WebsocketCheck && broker.IsWebsocketURL(s.cfg.BrokerURL) {
		check := broker.CheckWebsocket(ctx, s.cfg.BrokerURL, s.cfg.ConnectWait, s.cfg.Insecure)
		result.Websocket = &check
		if check.Upgraded {
			s.print(output.LevelInfo, "WebSocket upgrade accepted (subprotocol %q)", check.Subprotocol)
		} else {
			s.print(output.LevelWarn, "WebSocket upgrade failed: %s", check.Error)
		}
	}

	var messages atomic.Int64
	events := broker.Events{
		OnMessage: func(topic string, payload []byte) {
			messages.Add(1)
			s.print(output.LevelInfo, "Message: %s = %s", topic, string(payload))
		},
		OnConnectionLost: func(err error) {
			s.print(output.LevelWarn, "Disconnected from MQTT broker: %v", err)
		},
	}

	clientID := fmt.Sprintf("debug-tool-%d", s.deps.Now().Unix())
	run.ConnectionAttempts++
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectWait)
	start := time.Now()
	conn, err := s.deps.Dialer.Dial(dialCtx, clientID, events)
	cancel()
	if err != nil {
		outcome, rc := broker.OutcomeOf(err)
		result.Outcome = string(outcome)
		result.ReasonCode = int(rc)
		result.Error = err.Error()
		if outcome == analyze.OutcomeTimeout {
			result.Error = fmt.Sprintf("connection timeout after %s", s.cfg.ConnectWait)
		}
		s.print(output.LevelError, "Direct MQTT connection failed (%s): %s", outcome, result.Error)
		return result
	}

	connectedAt := s.deps.Now()
	result.Success = true
	result.Outcome = string(analyze.OutcomeSuccess)
	result.ConnectedAt = &connectedAt
	result.ConnectTime = time.Since(start).String()
	s.print(output.LevelInfo, "Direct MQTT connection successful in %s", result.ConnectTime)

	if err := conn.Subscribe(ctx, s.cfg.StatusTopic, 0); err != nil {
		s.print(output.LevelWarn, "Subscribe to %s failed: %v", s.cfg.StatusTopic, err)
	}
	if s.cfg.Observe > 0 {
		s.print(output.LevelInfo, "Testing message reception for %s...", s.cfg.Observe)
		_ = sleep(ctx, s.cfg.Observe)
	}
	conn.Close()

	result.MessagesReceived = int(messages.Load())
	run.MessagesReceived += result.MessagesReceived
	return result
}

func (s *Suite) concurrentConnections(ctx context.Context, run *Result) model.ConcurrentResult {
	n := s.cfg.ConcurrentCount
	s.print(output.LevelInfo, "Testing %d simultaneous MQTT connections...", n)

	// Each worker owns one slot; the slice is read only after Wait.
	details := make([]model.AttemptResult, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			details[i] = s.attempt(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	run.ConnectionAttempts += n

	result := model.ConcurrentResult{Total: n, Details: details}
	for _, d := range details {
		if d.Connected {
			result.Successful++
		}
	}
	s.print(output.LevelInfo, "Multiple connection test: %d/%d successful", result.Successful, result.Total)
	return result
}

// attempt connects one client, keeps it for the settle window, then tears it
// down. Success means the broker acknowledged within that window.
func (s *Suite) attempt(ctx context.Context, index int) model.AttemptResult {
	clientID := fmt.Sprintf("debug-multi-%d-%s", index, uuid.NewString())
	result := model.AttemptResult{ClientID: clientID}

	settleCtx, cancel := context.WithTimeout(ctx, s.cfg.Settle)
	defer cancel()

	conn, err := s.deps.Dialer.Dial(settleCtx, clientID, broker.Events{})
	if err != nil {
		outcome, _ := broker.OutcomeOf(err)
		result.Outcome = string(outcome)
		result.Error = err.Error()
		s.print(output.LevelError, "Client %d failed: %s", index, result.Error)
		s.deps.Logger.Debug("concurrent attempt failed", zap.String("client_id", clientID), zap.Error(err))
		return result
	}
	result.Connected = true
	result.Outcome = string(analyze.OutcomeSuccess)
	s.print(output.LevelInfo, "Client %d connected successfully", index)

	<-settleCtx.Done()
	conn.Close()
	return result
}
