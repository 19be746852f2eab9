package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeUDP  Mode = "udp"
	ModeTCP  Mode = "tcp"
	ModeAuto Mode = "auto"
)

type Options struct {
	Servers []string
	Mode    Mode
	Timeout time.Duration
	Logger  *zap.Logger
}

// Resolver looks up host addresses directly against a list of recursive
// resolvers, so that a probe can report which addresses it was about to use.
type Resolver struct {
	opts Options
	udp  Transport
	tcp  Transport
}

type Answer struct {
	Server    string
	Addresses []string
	RTT       time.Duration
	Transport string
}

func New(opts Options) *Resolver {
	return NewWithTransports(opts, &netTransport{network: "udp", timeout: opts.Timeout}, &netTransport{network: "tcp", timeout: opts.Timeout})
}

func NewWithTransports(opts Options, udp Transport, tcp Transport) *Resolver {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	servers := make([]string, 0, len(opts.Servers))
	for _, server := range opts.Servers {
		servers = append(servers, NormalizeServer(server))
	}
	opts.Servers = servers
	return &Resolver{opts: opts, udp: udp, tcp: tcp}
}

func (r *Resolver) Mode() Mode {
	return r.opts.Mode
}

// ParseMode accepts udp, tcp or auto; empty means auto.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "":
		return ModeAuto, nil
	case ModeUDP, ModeTCP, ModeAuto:
		return Mode(value), nil
	}
	return "", fmt.Errorf("unsupported transport mode: %s", value)
}

// Lookup resolves host to its A and AAAA addresses using the first resolver
// that answers. IP literals are returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (Answer, error) {
	if ip := net.ParseIP(host); ip != nil {
		return Answer{Addresses: []string{ip.String()}}, nil
	}
	if len(r.opts.Servers) == 0 {
		return Answer{}, errors.New("no resolvers configured")
	}

	var lastErr error
	for _, server := range r.opts.Servers {
		answer, err := r.lookupAt(ctx, server, host)
		if err == nil {
			return answer, nil
		}
		r.opts.Logger.Debug("resolver failed", zap.String("server", server), zap.String("host", host), zap.Error(err))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Answer{}, fmt.Errorf("resolve %s: %w", host, lastErr)
}

func (r *Resolver) lookupAt(ctx context.Context, server string, host string) (Answer, error) {
	answer := Answer{Server: server}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := &dns.Msg{}
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		ctxReq, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		resp, rtt, transport, err := r.exchange(ctxReq, server, msg)
		cancel()
		if err != nil {
			return Answer{}, err
		}
		answer.RTT += rtt
		answer.Transport = transport
		if resp.Rcode == dns.RcodeNameError {
			return Answer{}, fmt.Errorf("%s: no such host", host)
		}
		if resp.Rcode != dns.RcodeSuccess {
			return Answer{}, fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode])
		}
		answer.Addresses = append(answer.Addresses, addresses(resp)...)
	}
	if len(answer.Addresses) == 0 {
		return Answer{}, fmt.Errorf("%s: no addresses", host)
	}
	return answer, nil
}

func (r *Resolver) exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, string, error) {
	switch r.opts.Mode {
	case ModeTCP:
		resp, rtt, err := r.tcp.Exchange(ctx, server, msg)
		return r.checked(resp, rtt, "tcp", err)
	case ModeUDP:
		resp, rtt, err := r.udp.Exchange(ctx, server, msg)
		return r.checked(resp, rtt, "udp", err)
	case ModeAuto:
		resp, rtt, err := r.udp.Exchange(ctx, server, msg.Copy())
		if err == nil && resp != nil && resp.Truncated {
			r.opts.Logger.Debug("udp truncated, retrying with tcp", zap.String("server", server))
			resp, rtt, err = r.tcp.Exchange(ctx, server, msg.Copy())
			return r.checked(resp, rtt, "tcp", err)
		}
		return r.checked(resp, rtt, "udp", err)
	default:
		return nil, 0, "", fmt.Errorf("unsupported transport mode: %s", r.opts.Mode)
	}
}

func (r *Resolver) checked(resp *dns.Msg, rtt time.Duration, transport string, err error) (*dns.Msg, time.Duration, string, error) {
	if err == nil && resp == nil {
		err = errors.New("empty dns response")
	}
	return resp, rtt, transport, err
}

func addresses(resp *dns.Msg) []string {
	out := []string{}
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			out = append(out, record.A.String())
		case *dns.AAAA:
			out = append(out, record.AAAA.String())
		}
	}
	return out
}

func NormalizeServer(server string) string {
	if server == "" {
		return server
	}
	if strings.HasPrefix(server, "[") {
		if strings.Contains(server, "]:") {
			return server
		}
		return server + ":53"
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	if strings.Contains(server, ":") {
		return "[" + server + "]:53"
	}
	return server + ":53"
}
