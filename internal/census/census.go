package census

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jaxxstorm/gatediag/internal/model"
)

// Source returns one text descriptor per open connection on port.
type Source interface {
	Connections(ctx context.Context, port int) ([]string, error)
}

type SourceFunc func(ctx context.Context, port int) ([]string, error)

func (f SourceFunc) Connections(ctx context.Context, port int) ([]string, error) {
	return f(ctx, port)
}

func Sample(ctx context.Context, src Source, port int) (model.CensusSample, error) {
	lines, err := src.Connections(ctx, port)
	if err != nil {
		return model.CensusSample{Port: port, SampledAt: time.Now()}, fmt.Errorf("connection census on port %d: %w", port, err)
	}
	return model.CensusSample{
		Port:        port,
		Count:       len(lines),
		Connections: lines,
		SampledAt:   time.Now(),
	}, nil
}

type ProcessClass string

const (
	ClassBrowser ProcessClass = "browser"
	ClassRuntime ProcessClass = "runtime"
	ClassOther   ProcessClass = "other"
)

var (
	browserNames = []string{"chromium", "chrome", "firefox", "safari", "msedge"}
	runtimeNames = []string{"node", "deno", "bun", "python"}
)

// ClassifyLine names the kind of process owning a descriptor line, judged by
// its first field (the command name).
func ClassifyLine(line string) ProcessClass {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ClassOther
	}
	lower := strings.ToLower(fields[0])
	for _, name := range browserNames {
		if strings.Contains(lower, name) {
			return ClassBrowser
		}
	}
	for _, name := range runtimeNames {
		if strings.Contains(lower, name) {
			return ClassRuntime
		}
	}
	return ClassOther
}

type Delta struct {
	Previous int
	Current  int
	Lines    []ClassifiedLine
}

type ClassifiedLine struct {
	Class ProcessClass
	Line  string
}

// Compare returns a delta when the connection count changed between samples.
func Compare(previous, current model.CensusSample) (Delta, bool) {
	if previous.Count == current.Count {
		return Delta{}, false
	}
	delta := Delta{Previous: previous.Count, Current: current.Count}
	for _, line := range current.Connections {
		delta.Lines = append(delta.Lines, ClassifiedLine{Class: ClassifyLine(line), Line: line})
	}
	return delta, true
}
