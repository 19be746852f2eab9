package model

import "time"

type TestName string

const (
	TestDirectConnection      TestName = "direct_connection"
	TestProxyRoundtrip        TestName = "proxy_roundtrip"
	TestConnectionCensus      TestName = "connection_census"
	TestConcurrentConnections TestName = "concurrent_connections"
)

type ProbeResult struct {
	Target        string   `json:"target"`
	Outcome       string   `json:"outcome"`
	StatusCode    int      `json:"status_code,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Elapsed       string   `json:"elapsed"`
	ContentType   string   `json:"content_type,omitempty"`
	ContentLength string   `json:"content_length,omitempty"`
	Sniffed       string   `json:"sniffed,omitempty"`
	Preview       string   `json:"preview,omitempty"`
	Resolved      []string `json:"resolved,omitempty"`

	ElapsedDuration time.Duration `json:"-"`
}

func (r ProbeResult) OK() bool {
	return r.Outcome == "success"
}

// TestRecord is one stage outcome. Result holds one of the *Result payloads below.
type TestRecord struct {
	Test      TestName  `json:"test"`
	Result    any       `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

type WebsocketCheck struct {
	Upgraded    bool   `json:"upgraded"`
	Status      int    `json:"status,omitempty"`
	Subprotocol string `json:"subprotocol,omitempty"`
	Error       string `json:"error,omitempty"`
}

type DirectConnectionResult struct {
	Success          bool            `json:"success"`
	Outcome          string          `json:"outcome"`
	Error            string          `json:"error,omitempty"`
	ReasonCode       int             `json:"reason_code,omitempty"`
	ConnectedAt      *time.Time      `json:"connected_at,omitempty"`
	ConnectTime      string          `json:"connect_time,omitempty"`
	MessagesReceived int             `json:"messages_received"`
	Websocket        *WebsocketCheck `json:"websocket,omitempty"`
}

type ProxyRoundtripResult struct {
	Success    bool           `json:"success"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	GetStatus  int            `json:"get_status,omitempty"`
	PostStatus int            `json:"post_status,omitempty"`
	Get        map[string]any `json:"get,omitempty"`
	Post       map[string]any `json:"post,omitempty"`
}

type CensusResult struct {
	Success     bool     `json:"success"`
	Outcome     string   `json:"outcome"`
	Error       string   `json:"error,omitempty"`
	Port        int      `json:"port"`
	Count       int      `json:"count"`
	Connections []string `json:"connections"`
}

type AttemptResult struct {
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

type ConcurrentResult struct {
	Successful int             `json:"successful"`
	Total      int             `json:"total"`
	Details    []AttemptResult `json:"details"`
}

func (r ConcurrentResult) Ratio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.Total)
}

type Summary struct {
	TotalTests         int `json:"total_tests"`
	MessagesReceived   int `json:"messages_received"`
	ConnectionAttempts int `json:"connection_attempts"`
}

type DiagnosticReport struct {
	Timestamp       time.Time    `json:"timestamp"`
	Summary         Summary      `json:"summary"`
	Tests           []TestRecord `json:"tests"`
	Recommendations []string     `json:"recommendations"`
}

type CensusSample struct {
	Port        int       `json:"port"`
	Count       int       `json:"count"`
	Connections []string  `json:"connections"`
	SampledAt   time.Time `json:"sampled_at"`
}

type EventKind string

const (
	EventConnection  EventKind = "connection_event"
	EventGate        EventKind = "gate_message"
	EventActivityLog EventKind = "activity_log"
	EventGeneric     EventKind = "generic"
)

type TailEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
}
