// Package brokertest runs an in-process MQTT broker for tests.
package brokertest

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

type Broker struct {
	TCPURL  string
	WSURL   string
	TCPPort int
	WSPort  int

	server *mqtt.Server
}

type config struct {
	reject bool
}

type Option func(*config)

// RejectAll makes the broker refuse every CONNECT.
func RejectAll() Option {
	return func(c *config) { c.reject = true }
}

type rejectHook struct {
	mqtt.HookBase
}

func (h *rejectHook) ID() string {
	return "reject-all"
}

func (h *rejectHook) Provides(b byte) bool {
	return b == mqtt.OnConnectAuthenticate
}

func (h *rejectHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return false
}

func Start(t testing.TB, opts ...Option) *Broker {
	t.Helper()
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	var err error
	if cfg.reject {
		err = server.AddHook(new(rejectHook), nil)
	} else {
		err = server.AddHook(new(auth.AllowHook), nil)
	}
	if err != nil {
		t.Fatalf("add hook: %v", err)
	}

	tcpPort := FreePort(t)
	wsPort := FreePort(t)
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: fmt.Sprintf("127.0.0.1:%d", tcpPort)})); err != nil {
		t.Fatalf("add tcp listener: %v", err)
	}
	if err := server.AddListener(listeners.NewWebsocket(listeners.Config{ID: "ws", Address: fmt.Sprintf("127.0.0.1:%d", wsPort)})); err != nil {
		t.Fatalf("add websocket listener: %v", err)
	}

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	waitListening(t, tcpPort)
	waitListening(t, wsPort)

	return &Broker{
		TCPURL:  fmt.Sprintf("tcp://127.0.0.1:%d", tcpPort),
		WSURL:   fmt.Sprintf("ws://127.0.0.1:%d", wsPort),
		TCPPort: tcpPort,
		WSPort:  wsPort,
		server:  server,
	}
}

// Publish sends a message from the broker's inline client.
func (b *Broker) Publish(topic string, payload string) error {
	return b.server.Publish(topic, []byte(payload), false, 0)
}

func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func waitListening(t testing.TB, port int) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker not listening on %s", addr)
}
