package broker

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jaxxstorm/gatediag/internal/model"
)

// IsWebsocketURL reports whether the broker is reached over ws:// or wss://.
func IsWebsocketURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// CheckWebsocket performs only the HTTP upgrade with the mqtt subprotocol.
// A failed upgrade points at the proxy or listener in front of the broker
// rather than at the broker's MQTT handling.
func CheckWebsocket(ctx context.Context, brokerURL string, timeout time.Duration, insecure bool) model.WebsocketCheck {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // matches the broker client setting
	}
	check := model.WebsocketCheck{}
	conn, resp, err := dialer.DialContext(ctx, brokerURL, nil)
	if resp != nil {
		check.Status = resp.StatusCode
	}
	if err != nil {
		check.Error = err.Error()
		return check
	}
	defer conn.Close()
	check.Upgraded = true
	check.Subprotocol = conn.Subprotocol()
	return check
}
