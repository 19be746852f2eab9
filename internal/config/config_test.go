package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatediag.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.URL != "ws://89.24.76.191:9001" {
		t.Fatalf("unexpected broker url %q", cfg.Broker.URL)
	}
	if cfg.Census.Port != 9001 || cfg.Suite.Concurrent != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  url: tcp://10.0.0.5:1883
suite:
  concurrent: 5
  settle: 1500ms
census:
  source: netstat
probe:
  endpoints:
    - http://cam.local/photo.jpg
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.URL != "tcp://10.0.0.5:1883" {
		t.Fatalf("broker url not overridden: %q", cfg.Broker.URL)
	}
	if cfg.Suite.Concurrent != 5 || cfg.Suite.Settle != 1500*time.Millisecond {
		t.Fatalf("suite not overridden: %+v", cfg.Suite)
	}
	if cfg.Census.Source != SourceNetstat {
		t.Fatalf("census source not overridden: %q", cfg.Census.Source)
	}
	if len(cfg.Probe.Endpoints) != 1 {
		t.Fatalf("expected one endpoint, got %v", cfg.Probe.Endpoints)
	}
	// untouched values keep their defaults
	if cfg.Suite.ConnectWait != 15*time.Second || cfg.Proxy.PublishTopic != "IoT/Brana/Ovladani" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "broker: [unterminated")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad broker scheme", func(c *Config) { c.Broker.URL = "http://broker:9001" }, "broker.url"},
		{"no proxy host", func(c *Config) { c.Proxy.URL = "http://" }, "proxy.url"},
		{"port range", func(c *Config) { c.Census.Port = 70000 }, "census.port"},
		{"census source", func(c *Config) { c.Census.Source = "ss" }, "census.source"},
		{"concurrency", func(c *Config) { c.Suite.Concurrent = 0 }, "suite.concurrent"},
		{"zero wait", func(c *Config) { c.Suite.ConnectWait = 0 }, "suite.connect_wait"},
		{"negative delay", func(c *Config) { c.Suite.StageDelay = -time.Second }, "suite.stage_delay"},
		{"report path", func(c *Config) { c.Report.Path = "" }, "report.path"},
		{"resolve transport", func(c *Config) { c.Probe.ResolveTransport = "doh" }, "probe.resolve_transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateOrdersErrors(t *testing.T) {
	cfg := Default()
	cfg.Suite.ConnectWait = 0
	cfg.Suite.Settle = 0
	cfg.Tail.PollInterval = 0
	cfg.Probe.Timeout = 0

	want := "suite.connect_wait must be positive, got 0s\n" +
		"suite.settle must be positive, got 0s\n" +
		"tail.poll_interval must be positive, got 0s\n" +
		"probe.timeout must be positive, got 0s"
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		if err == nil || err.Error() != want {
			t.Fatalf("run %d: expected\n%s\ngot\n%v", i, want, err)
		}
	}
}

func TestLoadResolveTransport(t *testing.T) {
	path := writeConfig(t, `
probe:
  resolve: true
  resolve_transport: tcp
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Probe.Resolve || cfg.Probe.ResolveTransport != "tcp" {
		t.Fatalf("unexpected probe config: %+v", cfg.Probe)
	}
	if Default().Probe.ResolveTransport != "auto" {
		t.Fatalf("expected auto by default")
	}
}
