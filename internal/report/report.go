package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
)

const DefaultPath = "mqtt-debug-report.json"

type Counters struct {
	MessagesReceived   int
	ConnectionAttempts int
}

// Build assembles the report for a finished run. Records are kept in the
// order they were produced.
func Build(records []model.TestRecord, counters Counters, now time.Time) model.DiagnosticReport {
	if records == nil {
		records = []model.TestRecord{}
	}
	return model.DiagnosticReport{
		Timestamp: now,
		Summary: model.Summary{
			TotalTests:         len(records),
			MessagesReceived:   counters.MessagesReceived,
			ConnectionAttempts: counters.ConnectionAttempts,
		},
		Tests:           records,
		Recommendations: analyze.Recommend(records),
	}
}

// Write replaces the file at path with the indented JSON report.
func Write(path string, report model.DiagnosticReport) error {
	if path == "" {
		path = DefaultPath
	}
	data, err := output.RenderJSON(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(data+"\n"), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
