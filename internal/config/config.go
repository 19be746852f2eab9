package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything a gatediag run can be tuned with. Zero-valued fields
// in a file keep their defaults.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Census  CensusConfig  `yaml:"census"`
	Suite   SuiteConfig   `yaml:"suite"`
	Report  ReportConfig  `yaml:"report"`
	Tail    TailConfig    `yaml:"tail"`
	Probe   ProbeConfig   `yaml:"probe"`
	Swcheck SwcheckConfig `yaml:"swcheck"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	StatusTopic    string        `yaml:"status_topic"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Insecure       bool          `yaml:"insecure"`
}

type ProxyConfig struct {
	URL            string `yaml:"url"`
	PublishTopic   string `yaml:"publish_topic"`
	PublishMessage string `yaml:"publish_message"`
}

type CensusConfig struct {
	Port   int    `yaml:"port"`
	Source string `yaml:"source"`
	Lsof   string `yaml:"lsof"`
}

type SuiteConfig struct {
	Concurrent     int           `yaml:"concurrent"`
	ConnectWait    time.Duration `yaml:"connect_wait"`
	Observe        time.Duration `yaml:"observe"`
	Settle         time.Duration `yaml:"settle"`
	StageDelay     time.Duration `yaml:"stage_delay"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	WebsocketCheck bool          `yaml:"websocket_check"`
}

type ReportConfig struct {
	Path string `yaml:"path"`
}

type TailConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type ProbeConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	Insecure         bool          `yaml:"insecure"`
	Resolve          bool          `yaml:"resolve"`
	Resolvers        []string      `yaml:"resolvers"`
	ResolveTransport string        `yaml:"resolve_transport"`
	Endpoints        []string      `yaml:"endpoints"`
}

type SwcheckConfig struct {
	AppURL  string        `yaml:"app_url"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	SourceLsof    = "lsof"
	SourceNetstat = "netstat"
)

func Default() Config {
	return Config{
		Broker: BrokerConfig{
			URL:            "ws://89.24.76.191:9001",
			StatusTopic:    "IoT/Brana/Status",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Proxy: ProxyConfig{
			URL:            "http://localhost:3003/api/mqtt-proxy",
			PublishTopic:   "IoT/Brana/Ovladani",
			PublishMessage: "debug-test",
		},
		Census: CensusConfig{
			Port:   9001,
			Source: SourceLsof,
			Lsof:   "lsof",
		},
		Suite: SuiteConfig{
			Concurrent:     3,
			ConnectWait:    15 * time.Second,
			Observe:        10 * time.Second,
			Settle:         5 * time.Second,
			StageDelay:     2 * time.Second,
			HTTPTimeout:    10 * time.Second,
			WebsocketCheck: true,
		},
		Report: ReportConfig{Path: "mqtt-debug-report.json"},
		Tail: TailConfig{
			PollInterval:  2 * time.Second,
			RetryInterval: 5 * time.Second,
		},
		Probe: ProbeConfig{
			Timeout:          5 * time.Second,
			Insecure:         true,
			ResolveTransport: "auto",
		},
		Swcheck: SwcheckConfig{
			AppURL:  "https://brana-git-dev-ivan-vondraceks-projects.vercel.app",
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := checkURL("broker.url", c.Broker.URL, "ws", "wss", "tcp", "mqtt", "ssl", "tls", "mqtts"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("proxy.url", c.Proxy.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.Census.Port <= 0 || c.Census.Port > 65535 {
		errs = append(errs, fmt.Errorf("census.port %d out of range", c.Census.Port))
	}
	if c.Census.Source != SourceLsof && c.Census.Source != SourceNetstat {
		errs = append(errs, fmt.Errorf("census.source must be %q or %q, got %q", SourceLsof, SourceNetstat, c.Census.Source))
	}
	if c.Suite.Concurrent <= 0 {
		errs = append(errs, fmt.Errorf("suite.concurrent must be positive, got %d", c.Suite.Concurrent))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"suite.connect_wait", c.Suite.ConnectWait},
		{"suite.settle", c.Suite.Settle},
		{"suite.http_timeout", c.Suite.HTTPTimeout},
		{"tail.poll_interval", c.Tail.PollInterval},
		{"tail.retry_interval", c.Tail.RetryInterval},
		{"probe.timeout", c.Probe.Timeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	switch c.Probe.ResolveTransport {
	case "udp", "tcp", "auto":
	default:
		errs = append(errs, fmt.Errorf("probe.resolve_transport must be udp, tcp or auto, got %q", c.Probe.ResolveTransport))
	}
	if c.Suite.Observe < 0 || c.Suite.StageDelay < 0 {
		errs = append(errs, errors.New("suite.observe and suite.stage_delay must not be negative"))
	}
	if c.Report.Path == "" {
		errs = append(errs, errors.New("report.path is required"))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q: unsupported scheme %q", field, raw, u.Scheme)
}
