package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/resolve"
	"go.uber.org/zap"
)

const (
	SniffJPEG    = "JPEG image"
	SniffMJPEG   = "MJPEG stream boundary"
	SniffHTML    = "HTML page"
	SniffUnknown = "unknown"
)

// HostResolver is satisfied by *resolve.Resolver.
type HostResolver interface {
	Lookup(ctx context.Context, host string) (resolve.Answer, error)
}

type Options struct {
	Timeout    time.Duration
	Insecure   bool
	SniffBytes int
	Resolver   HostResolver
	Logger     *zap.Logger
}

type Prober struct {
	opts Options
}

func New(opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SniffBytes <= 0 {
		opts.SniffBytes = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Prober{opts: opts}
}

func (p *Prober) Timeout() time.Duration {
	return p.opts.Timeout
}

// Probe issues a single GET against target and classifies what came back.
// It never returns an error: every failure is folded into the result.
func (p *Prober) Probe(ctx context.Context, target string) model.ProbeResult {
	result := model.ProbeResult{Target: target}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.Outcome = string(analyze.OutcomeUnknownError)
		result.Reason = fmt.Sprintf("invalid url %q", target)
		result.Elapsed = time.Duration(0).String()
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var dialAddrs []string
	if p.opts.Resolver != nil {
		answer, err := p.opts.Resolver.Lookup(ctx, u.Hostname())
		if err != nil {
			result = p.failed(result, fmt.Errorf("dns: %w", err))
			if result.Outcome != string(analyze.OutcomeTimeout) {
				result.Outcome = string(analyze.OutcomeConnectionError)
			}
			return result
		}
		dialAddrs = answer.Addresses
		result.Resolved = answer.Addresses
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return p.failed(result, err)
	}

	start := time.Now()
	resp, err := p.client(dialAddrs).Do(req)
	if err != nil {
		p.opts.Logger.Debug("probe failed", zap.String("target", target), zap.Error(err))
		return p.failed(result, err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	result.Outcome = string(analyze.OutcomeSuccess)
	result.StatusCode = resp.StatusCode
	result.Reason = resp.Status
	result.ContentType = resp.Header.Get("Content-Type")
	result.ContentLength = resp.Header.Get("Content-Length")
	result.ElapsedDuration = elapsed
	result.Elapsed = elapsed.String()

	prefix := make([]byte, p.opts.SniffBytes)
	n, readErr := io.ReadFull(resp.Body, prefix)
	prefix = prefix[:n]
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		p.opts.Logger.Debug("could not read body prefix", zap.String("target", target), zap.Error(readErr))
	}
	if n > 0 {
		result.Sniffed = Sniff(prefix)
		result.Preview = preview(prefix, 20)
	}
	return result
}

func (p *Prober) failed(result model.ProbeResult, err error) model.ProbeResult {
	outcome := analyze.Classify(err)
	if outcome == analyze.OutcomeSuccess || outcome == analyze.OutcomeOSQueryFailure {
		outcome = analyze.OutcomeUnknownError
	}
	result.Outcome = string(outcome)
	result.Reason = err.Error()
	if outcome == analyze.OutcomeTimeout {
		result.ElapsedDuration = p.opts.Timeout
	}
	result.Elapsed = result.ElapsedDuration.String()
	return result
}

func (p *Prober) client(dialAddrs []string) *http.Client {
	dialer := &net.Dialer{Timeout: p.opts.Timeout}
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: p.opts.Insecure}, //nolint:gosec // diagnostics against self-signed cameras
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if len(dialAddrs) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range dialAddrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return &http.Client{Transport: transport}
}

// Sniff guesses the body kind from its first bytes.
func Sniff(prefix []byte) string {
	switch {
	case bytes.HasPrefix(prefix, []byte{0xff, 0xd8, 0xff}):
		return SniffJPEG
	case bytes.HasPrefix(prefix, []byte("--")):
		return SniffMJPEG
	case bytes.Contains(bytes.ToLower(prefix), []byte("<html")):
		return SniffHTML
	default:
		return SniffUnknown
	}
}

func preview(prefix []byte, n int) string {
	if len(prefix) > n {
		prefix = prefix[:n]
	}
	return fmt.Sprintf("%q", prefix)
}
