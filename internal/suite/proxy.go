package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
)

type statusError struct {
	method string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.method, e.code)
}

type decodeError struct {
	method string
	err    error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.method, e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}

func (s *Suite) proxyRoundtrip(ctx context.Context) model.ProxyRoundtripResult {
	s.print(output.LevelInfo, "Testing HTTP MQTT proxy %s", s.cfg.ProxyURL)
	result := model.ProxyRoundtripResult{}

	status, got, err := s.fetchJSON(ctx, http.MethodGet, nil)
	result.GetStatus = status
	if err != nil {
		return s.proxyFailed(result, "GET", err)
	}
	result.Get = got
	s.print(output.LevelInfo, "HTTP Proxy GET: %v", got)

	body, err := json.Marshal(map[string]string{"topic": s.cfg.PublishTopic, "message": s.cfg.PublishMessage})
	if err != nil {
		return s.proxyFailed(result, "POST", err)
	}
	status, posted, err := s.fetchJSON(ctx, http.MethodPost, body)
	result.PostStatus = status
	if err != nil {
		return s.proxyFailed(result, "POST", err)
	}
	result.Post = posted
	s.print(output.LevelInfo, "HTTP Proxy POST: %v", posted)

	result.Success = true
	result.Outcome = string(analyze.OutcomeSuccess)
	return result
}

func (s *Suite) proxyFailed(result model.ProxyRoundtripResult, method string, err error) model.ProxyRoundtripResult {
	var statusErr *statusError
	var decodeErr *decodeError
	switch {
	case errors.As(err, &statusErr), errors.As(err, &decodeErr):
		result.Outcome = string(analyze.OutcomeProtocolError)
	default:
		result.Outcome = string(analyze.Classify(err))
	}
	result.Error = err.Error()
	s.print(output.LevelError, "HTTP Proxy %s failed (%s): %s", method, result.Outcome, result.Error)
	return result
}

func (s *Suite) fetchJSON(ctx context.Context, method string, body []byte) (int, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.ProxyURL, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, &statusError{method: method, code: resp.StatusCode}
	}
	decoded := map[string]any{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return resp.StatusCode, nil, &decodeError{method: method, err: err}
	}
	return resp.StatusCode, decoded, nil
}

func (s *Suite) connectionCensus(ctx context.Context) model.CensusResult {
	s.print(output.LevelInfo, "Checking network connections to port %d...", s.cfg.CensusPort)
	sample, err := census.Sample(ctx, s.deps.Census, s.cfg.CensusPort)
	if err != nil {
		s.print(output.LevelError, "Failed to check network connections: %v", err)
		return model.CensusResult{
			Outcome:     string(analyze.OutcomeOSQueryFailure),
			Error:       err.Error(),
			Port:        s.cfg.CensusPort,
			Connections: []string{},
		}
	}

	s.print(output.LevelInfo, "Found %d active connections", sample.Count)
	for _, line := range sample.Connections {
		s.print(output.LevelInfo, "  %s", line)
	}
	return model.CensusResult{
		Success:     true,
		Outcome:     string(analyze.OutcomeSuccess),
		Port:        sample.Port,
		Count:       sample.Count,
		Connections: sample.Connections,
	}
}
