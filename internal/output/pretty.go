package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/probe"
	"github.com/jaxxstorm/gatediag/internal/swcheck"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	failureStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func status(ok bool) string {
	if ok {
		return successStyle.Render("OK")
	}
	return failureStyle.Render("FAIL")
}

// RenderReport summarises a suite run: one line per test, then the
// recommendations.
func RenderReport(report model.DiagnosticReport, path string) string {
	lines := []string{titleStyle.Render("gatediag suite"), ""}
	for i, record := range report.Tests {
		lines = append(lines, stepStyle.Render(recordLine(i, record)))
	}

	lines = append(lines, "",
		headerStyle.Render("Summary"),
		fmt.Sprintf("tests=%d messages=%d connection_attempts=%d",
			report.Summary.TotalTests, report.Summary.MessagesReceived, report.Summary.ConnectionAttempts),
	)
	if path != "" {
		lines = append(lines, "report="+path)
	}

	lines = append(lines, "")
	if len(report.Recommendations) == 0 {
		lines = append(lines, successStyle.Render("No issues detected"))
	} else {
		lines = append(lines, warnStyle.Render("Recommendations:"))
		for _, rec := range report.Recommendations {
			lines = append(lines, "- "+rec)
		}
	}
	return strings.Join(lines, "\n")
}

func recordLine(i int, record model.TestRecord) string {
	prefix := fmt.Sprintf("%02d %s", i+1, record.Test)
	switch r := record.Result.(type) {
	case model.DirectConnectionResult:
		line := fmt.Sprintf("%s %s outcome=%s", status(r.Success), prefix, r.Outcome)
		if r.Success {
			line += fmt.Sprintf(" connect_time=%s messages=%d", r.ConnectTime, r.MessagesReceived)
		}
		if r.ReasonCode != 0 {
			line += fmt.Sprintf(" rc=%d", r.ReasonCode)
		}
		if r.Websocket != nil && !r.Websocket.Upgraded {
			line += " websocket=" + normalizeSpace(r.Websocket.Error)
		}
		if r.Error != "" {
			line += " error=" + normalizeSpace(r.Error)
		}
		return line
	case model.ProxyRoundtripResult:
		line := fmt.Sprintf("%s %s outcome=%s", status(r.Success), prefix, r.Outcome)
		if r.GetStatus != 0 {
			line += fmt.Sprintf(" get=%d", r.GetStatus)
		}
		if r.PostStatus != 0 {
			line += fmt.Sprintf(" post=%d", r.PostStatus)
		}
		if r.Error != "" {
			line += " error=" + normalizeSpace(r.Error)
		}
		return line
	case model.CensusResult:
		line := fmt.Sprintf("%s %s outcome=%s port=%d connections=%d", status(r.Success), prefix, r.Outcome, r.Port, r.Count)
		if r.Error != "" {
			line += " error=" + normalizeSpace(r.Error)
		}
		return line
	case model.ConcurrentResult:
		return fmt.Sprintf("%s %s %d/%d connected", status(r.Successful == r.Total), prefix, r.Successful, r.Total)
	default:
		return prefix
	}
}

// RenderProbes lists every probed endpoint, then the working/failed split
// and the fastest working endpoint.
func RenderProbes(results []model.ProbeResult) string {
	lines := []string{titleStyle.Render("gatediag probe"), ""}
	for _, r := range results {
		line := fmt.Sprintf("%s %s outcome=%s", status(r.OK()), r.Target, r.Outcome)
		if r.OK() {
			line += fmt.Sprintf(" status=%d elapsed=%s", r.StatusCode, r.Elapsed)
			if r.ContentType != "" {
				line += " type=" + r.ContentType
			}
			if r.Sniffed != "" {
				line += " detected=" + r.Sniffed
			}
		} else {
			line += " error=" + normalizeSpace(r.Reason)
		}
		if len(r.Resolved) > 0 {
			line += " resolved=" + strings.Join(r.Resolved, ",")
		}
		lines = append(lines, stepStyle.Render(line))
	}

	summary := probe.Summarize(results)
	lines = append(lines, "",
		headerStyle.Render(fmt.Sprintf("Working endpoints: %d/%d", len(summary.Working), len(results))))
	for _, r := range summary.Working {
		lines = append(lines, fmt.Sprintf("- %s %d (%s)", r.Target, r.StatusCode, r.Elapsed))
	}
	lines = append(lines, headerStyle.Render(fmt.Sprintf("Failed endpoints: %d/%d", len(summary.Failed), len(results))))
	for _, r := range summary.Failed {
		lines = append(lines, fmt.Sprintf("- %s %s", r.Target, r.Outcome))
	}

	lines = append(lines, "")
	if summary.Fastest != nil {
		lines = append(lines, successStyle.Render(fmt.Sprintf("Fastest: %s (%s)", summary.Fastest.Target, summary.Fastest.Elapsed)))
	} else {
		lines = append(lines, failureStyle.Render("No endpoint is working"),
			"- is the camera server running?",
			"- are ports 10180/10443 open?",
			"- is the camera host reachable from this network?")
	}
	return strings.Join(lines, "\n")
}

func RenderServiceWorker(a swcheck.Analysis) string {
	lines := []string{titleStyle.Render("gatediag swcheck"), ""}
	if a.AppError != "" {
		lines = append(lines, fmt.Sprintf("%s %s error=%s", status(false), a.AppURL, normalizeSpace(a.AppError)))
		return strings.Join(lines, "\n")
	}
	registered := "not referenced"
	if a.Registered {
		registered = "referenced"
	}
	lines = append(lines, fmt.Sprintf("%s %s status=%d service-worker.js %s", status(true), a.AppURL, a.AppStatus, registered))

	if s := a.Script; s != nil {
		if s.Error != "" {
			lines = append(lines, fmt.Sprintf("%s %s error=%s", status(false), s.URL, normalizeSpace(s.Error)))
		} else {
			line := fmt.Sprintf("%s %s status=%d size=%d fetch_calls=%d caching=%t failed_fetch_strings=%t",
				status(!s.PossibleLoop), s.URL, s.Status, s.Size, s.FetchCount, s.HasCaching, s.HasFailedFetch)
			lines = append(lines, line)
			if s.PossibleLoop {
				lines = append(lines, warnStyle.Render("High number of fetch calls, possible fetch loop"))
			}
		}
	}

	if len(a.Endpoints) > 0 {
		lines = append(lines, "", headerStyle.Render("Endpoints"))
	}
	for _, e := range a.Endpoints {
		style := successStyle
		switch e.Verdict {
		case swcheck.VerdictOK:
		case swcheck.VerdictNotFound, swcheck.VerdictSlow:
			style = warnStyle
		default:
			style = failureStyle
		}
		line := fmt.Sprintf("%s %s", style.Render(strings.ToUpper(string(e.Verdict))), e.Probe.Target)
		if e.Probe.OK() {
			line += fmt.Sprintf(" status=%d elapsed=%s", e.Probe.StatusCode, e.Probe.Elapsed)
		} else {
			line += fmt.Sprintf(" outcome=%s", e.Probe.Outcome)
		}
		lines = append(lines, line)
	}

	lines = append(lines, "", "Advice:")
	for _, advice := range a.Advice {
		lines = append(lines, "- "+advice)
	}
	return strings.Join(lines, "\n")
}

func normalizeSpace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
