// Package swcheck looks for the conditions that make the web app's service
// worker spin in fetch retry loops.
package swcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/model"
	"go.uber.org/zap"
)

const DefaultAppURL = "https://brana-git-dev-ivan-vondraceks-projects.vercel.app"

// FetchLoopThreshold is the number of fetch( calls above which the worker
// script is flagged.
const FetchLoopThreshold = 10

// SlowThreshold marks an endpoint answer as slow.
const SlowThreshold = 2 * time.Second

type Verdict string

const (
	VerdictOK        Verdict = "ok"
	VerdictRetryLoop Verdict = "retry loop risk"
	VerdictNotFound  Verdict = "not found"
	VerdictSlow      Verdict = "slow"
	VerdictMajorLoop Verdict = "major loop risk"
	VerdictError     Verdict = "error"
)

// ProblemEndpoints lists the camera routes that have driven worker retries.
func ProblemEndpoints(appURL string) []string {
	appURL = strings.TrimRight(appURL, "/")
	return []string{
		appURL + "/api/camera-proxy/video",
		appURL + "/api/camera-proxy/stream.mjpg",
		appURL + "/api/camera-proxy/photo.jpg",
		"https://89.24.76.191:10443/video",
		"https://89.24.76.191:10443/stream.mjpg",
	}
}

type Script struct {
	URL            string `json:"url"`
	Status         int    `json:"status,omitempty"`
	Size           int    `json:"size"`
	HasFetch       bool   `json:"has_fetch"`
	HasCaching     bool   `json:"has_caching"`
	HasFailedFetch bool   `json:"has_failed_fetch"`
	FetchCount     int    `json:"fetch_count"`
	PossibleLoop   bool   `json:"possible_loop"`
	Error          string `json:"error,omitempty"`
}

type Endpoint struct {
	Probe   model.ProbeResult `json:"probe"`
	Verdict Verdict           `json:"verdict"`
}

type Analysis struct {
	AppURL     string     `json:"app_url"`
	AppStatus  int        `json:"app_status,omitempty"`
	AppError   string     `json:"app_error,omitempty"`
	Registered bool       `json:"registered"`
	Script     *Script    `json:"script,omitempty"`
	Endpoints  []Endpoint `json:"endpoints"`
	Advice     []string   `json:"advice"`
}

// Advice is printed after every analysis.
var Advice = []string{
	"Add timeout limits to service worker fetch handlers",
	"Back off exponentially on failed requests and cap retries (3 attempts)",
	"Bypass service worker caching for camera endpoints",
	"Investigate 5xx responses from the camera proxy",
	"Log and report fetch failure rates from the service worker",
}

// AnalyzeScript inspects the service worker source.
func AnalyzeScript(body string) Script {
	count := strings.Count(body, "fetch(")
	return Script{
		Size:           len(body),
		HasFetch:       count > 0,
		HasCaching:     strings.Contains(strings.ToLower(body), "cache"),
		HasFailedFetch: strings.Contains(body, "Failed to fetch"),
		FetchCount:     count,
		PossibleLoop:   count > FetchLoopThreshold,
	}
}

// ClassifyEndpoint decides how likely a probed endpoint is to trap the
// service worker in retries.
func ClassifyEndpoint(r model.ProbeResult) Verdict {
	switch analyze.Outcome(r.Outcome) {
	case analyze.OutcomeTimeout, analyze.OutcomeConnectionError:
		return VerdictMajorLoop
	case analyze.OutcomeSuccess:
	default:
		return VerdictError
	}
	switch {
	case r.StatusCode >= 500:
		return VerdictRetryLoop
	case r.StatusCode == http.StatusNotFound:
		return VerdictNotFound
	case r.ElapsedDuration > SlowThreshold:
		return VerdictSlow
	default:
		return VerdictOK
	}
}

// EndpointProber is satisfied by *probe.Prober.
type EndpointProber interface {
	Probe(ctx context.Context, target string) model.ProbeResult
}

type Options struct {
	AppURL     string
	Endpoints  []string
	HTTPClient *http.Client
	Timeout    time.Duration
	Prober     EndpointProber
	Logger     *zap.Logger
}

type Checker struct {
	opts Options
}

func New(opts Options) (*Checker, error) {
	if opts.Prober == nil {
		return nil, fmt.Errorf("swcheck: endpoint prober is required")
	}
	if opts.AppURL == "" {
		opts.AppURL = DefaultAppURL
	}
	opts.AppURL = strings.TrimRight(opts.AppURL, "/")
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = ProblemEndpoints(opts.AppURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Checker{opts: opts}, nil
}

// Run fetches the app page and worker script, then probes each endpoint.
// A failing app page ends the analysis early, as nothing else is reachable.
func (c *Checker) Run(ctx context.Context) Analysis {
	analysis := Analysis{AppURL: c.opts.AppURL, Endpoints: []Endpoint{}, Advice: Advice}

	status, page, err := c.get(ctx, c.opts.AppURL)
	analysis.AppStatus = status
	if err != nil {
		analysis.AppError = err.Error()
		c.opts.Logger.Info("app page unreachable", zap.String("url", c.opts.AppURL), zap.Error(err))
		return analysis
	}
	analysis.Registered = strings.Contains(page, "service-worker.js")

	scriptURL := c.opts.AppURL + "/service-worker.js"
	status, body, err := c.get(ctx, scriptURL)
	if err != nil {
		analysis.Script = &Script{URL: scriptURL, Status: status, Error: err.Error()}
	} else {
		script := AnalyzeScript(body)
		script.URL = scriptURL
		script.Status = status
		analysis.Script = &script
	}

	for _, target := range c.opts.Endpoints {
		if ctx.Err() != nil {
			break
		}
		result := c.opts.Prober.Probe(ctx, target)
		analysis.Endpoints = append(analysis.Endpoints, Endpoint{Probe: result, Verdict: ClassifyEndpoint(result)})
	}
	return analysis
}

// get returns the body of any answered request; status codes are reported,
// not treated as failures.
func (c *Checker) get(ctx context.Context, target string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read %s: %w", target, err)
	}
	return resp.StatusCode, string(body), nil
}
