package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jaxxstorm/gatediag/internal/analyze"
	"go.uber.org/zap"
)

type Events struct {
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Close()
}

// Dialer opens a broker connection and blocks until the broker acknowledges
// it, refuses it, or ctx ends.
type Dialer interface {
	Dial(ctx context.Context, clientID string, events Events) (Conn, error)
}

// ConnectError carries the taxonomy tag of a failed dial. ReasonCode is the
// connack return code when the broker answered.
type ConnectError struct {
	Outcome    analyze.Outcome
	ReasonCode byte
	Err        error
}

func (e *ConnectError) Error() string {
	if e.Outcome == analyze.OutcomeProtocolRejection {
		return fmt.Sprintf("connection refused by broker (rc=%d): %v", e.ReasonCode, e.Err)
	}
	return e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// OutcomeOf extracts the taxonomy tag from a Dial or Subscribe error.
func OutcomeOf(err error) (analyze.Outcome, byte) {
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return connectErr.Outcome, connectErr.ReasonCode
	}
	return analyze.Classify(err), 0
}

type Options struct {
	URL            string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Username       string
	Password       string
	Insecure       bool
	Logger         *zap.Logger
}

type PahoDialer struct {
	opts Options
}

func NewDialer(opts Options) *PahoDialer {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PahoDialer{opts: opts}
}

func (d *PahoDialer) URL() string {
	return d.opts.URL
}

func (d *PahoDialer) Dial(ctx context.Context, clientID string, events Events) (Conn, error) {
	logger := d.opts.Logger.With(zap.String("client_id", clientID), zap.String("broker", d.opts.URL))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.opts.URL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(d.opts.KeepAlive)
	opts.SetConnectTimeout(d.opts.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: d.opts.Insecure}) //nolint:gosec // brokers on the gate LAN use self-signed certs
	if d.opts.Username != "" {
		opts.SetUsername(d.opts.Username)
		opts.SetPassword(d.opts.Password)
	}
	if events.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			events.OnMessage(msg.Topic(), msg.Payload())
		})
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Info("connection lost", zap.Error(err))
		if events.OnConnectionLost != nil {
			events.OnConnectionLost(err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		go func() {
			token.Wait()
			client.Disconnect(0)
		}()
		logger.Debug("connack wait expired")
		return nil, &ConnectError{Outcome: analyze.OutcomeTimeout, Err: fmt.Errorf("no connack: %w", ctx.Err())}
	}

	if err := token.Error(); err != nil {
		logger.Debug("connect failed", zap.Error(err))
		return nil, connectError(token, err)
	}
	logger.Debug("connected")
	return &pahoConn{client: client}, nil
}

func connectError(token mqtt.Token, err error) error {
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		rc := ct.ReturnCode()
		// 1-5 are the broker's own refusal codes; higher values are paho's
		// markers for network and protocol failures.
		if rc >= 1 && rc <= 5 {
			return &ConnectError{Outcome: analyze.OutcomeProtocolRejection, ReasonCode: rc, Err: err}
		}
	}
	outcome := analyze.Classify(err)
	if outcome == analyze.OutcomeUnknownError || outcome == analyze.OutcomeOSQueryFailure {
		outcome = analyze.OutcomeConnectionError
	}
	return &ConnectError{Outcome: outcome, Err: err}
}

type pahoConn struct {
	client mqtt.Client
}

func (c *pahoConn) Subscribe(ctx context.Context, topic string, qos byte) error {
	token := c.client.Subscribe(topic, qos, nil)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
	}
}

func (c *pahoConn) Close() {
	c.client.Disconnect(250)
}
