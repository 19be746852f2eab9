package main

import (
	"testing"
	"time"

	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/config"
	"github.com/jaxxstorm/gatediag/internal/resolve"
	"go.uber.org/zap"
)

func TestOverride(t *testing.T) {
	url := "ws://89.24.76.191:9001"
	override(&url, "")
	if url != "ws://89.24.76.191:9001" {
		t.Fatalf("empty flag must not override, got %q", url)
	}
	override(&url, "tcp://localhost:1883")
	if url != "tcp://localhost:1883" {
		t.Fatalf("expected override, got %q", url)
	}

	observe := 10 * time.Second
	override(&observe, 0)
	if observe != 10*time.Second {
		t.Fatalf("zero duration must not override, got %s", observe)
	}
}

func TestCensusSource(t *testing.T) {
	cfg := config.Default()
	if _, ok := censusSource(cfg).(census.Lsof); !ok {
		t.Fatal("expected lsof source by default")
	}
	cfg.Census.Source = config.SourceNetstat
	if _, ok := censusSource(cfg).(census.Netstat); !ok {
		t.Fatal("expected netstat source")
	}
}

func TestNewResolverUsesConfiguredTransport(t *testing.T) {
	cfg := config.Default().Probe
	cfg.Resolvers = []string{"192.0.2.53"}
	cfg.ResolveTransport = "tcp"

	resolver, err := newResolver(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newResolver: %v", err)
	}
	if resolver.Mode() != resolve.ModeTCP {
		t.Fatalf("expected tcp mode, got %s", resolver.Mode())
	}

	cfg.ResolveTransport = "doh"
	if _, err := newResolver(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestNewLogger(t *testing.T) {
	for _, tc := range []struct{ verbose, debug bool }{{false, false}, {true, false}, {false, true}} {
		logger, err := newLogger(tc.verbose, tc.debug)
		if err != nil {
			t.Fatalf("newLogger(%v, %v): %v", tc.verbose, tc.debug, err)
		}
		if tc.debug && !logger.Core().Enabled(zap.DebugLevel) {
			t.Fatal("debug logger should enable debug level")
		}
	}
}
