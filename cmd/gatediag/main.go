package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jaxxstorm/gatediag/internal/analyze"
	"github.com/jaxxstorm/gatediag/internal/broker"
	"github.com/jaxxstorm/gatediag/internal/census"
	"github.com/jaxxstorm/gatediag/internal/config"
	"github.com/jaxxstorm/gatediag/internal/model"
	"github.com/jaxxstorm/gatediag/internal/output"
	"github.com/jaxxstorm/gatediag/internal/probe"
	"github.com/jaxxstorm/gatediag/internal/report"
	"github.com/jaxxstorm/gatediag/internal/resolve"
	"github.com/jaxxstorm/gatediag/internal/suite"
	"github.com/jaxxstorm/gatediag/internal/swcheck"
	"github.com/jaxxstorm/gatediag/internal/tail"
	"go.uber.org/zap"
)

var Version = "dev"

const exitInterrupted = 130

type CLI struct {
	Config  string `help:"YAML configuration file."`
	Output  string `enum:"pretty,json" default:"pretty" help:"Output format."`
	Verbose bool   `help:"Enable verbose logging."`
	Debug   bool   `help:"Enable debug logging."`

	Suite   SuiteCmd   `cmd:"" default:"1" help:"Run the MQTT connectivity test suite and write a report (default)."`
	Tail    TailCmd    `cmd:"" help:"Follow broker traffic and port connections until interrupted."`
	Probe   ProbeCmd   `cmd:"" help:"Probe camera endpoints."`
	Swcheck SwcheckCmd `cmd:"" help:"Look for service worker fetch loop conditions."`
	Version VersionCmd `cmd:"" help:"Print version."`
}

type SuiteCmd struct {
	Broker     string        `help:"Broker URL (ws://, wss:// or tcp://)."`
	Proxy      string        `help:"HTTP MQTT bridge URL."`
	Port       int           `help:"Port to take the connection census on."`
	Concurrent int           `help:"Number of simultaneous connection attempts."`
	Observe    time.Duration `help:"How long to listen for status messages after connecting."`
	Report     string        `help:"Report file path."`
	Census     string        `help:"Connection census source (lsof or netstat)."`
}

type TailCmd struct {
	Broker string `help:"Broker URL (ws://, wss:// or tcp://)."`
	Port   int    `help:"Port to watch connections on."`
	Census string `help:"Connection census source (lsof or netstat)."`
}

type ProbeCmd struct {
	URLs      []string      `arg:"" name:"url" optional:"" help:"Endpoints to probe. Defaults to the deployment's camera endpoints."`
	Timeout   time.Duration `help:"Per-endpoint timeout."`
	Resolve   bool          `help:"Resolve hosts against the system resolvers before probing."`
	Resolver  []string      `name:"resolver" help:"Resolver IPs to use with --resolve (repeatable)."`
	Transport string        `help:"DNS transport for --resolve: udp, tcp or auto."`
}

type SwcheckCmd struct {
	AppURL string `name:"app-url" help:"Web app base URL."`
}

type VersionCmd struct{}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gatediag"),
		kong.Description("Diagnose MQTT broker, bridge and camera connectivity of the gate deployment."),
	)

	if kctx.Selected() != nil && kctx.Selected().Name == "version" {
		fmt.Println(Version)
		return
	}

	logger, err := newLogger(cli.Verbose, cli.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch kctx.Selected().Name {
	case "tail":
		code = runTail(ctx, cli, cfg, logger)
	case "probe":
		code = runProbe(ctx, cli, cfg, logger)
	case "swcheck":
		code = runSwcheck(ctx, cli, cfg, logger)
	default:
		code = runSuite(ctx, cli, cfg, logger)
	}
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func runSuite(ctx context.Context, cli CLI, cfg config.Config, logger *zap.Logger) int {
	cmd := cli.Suite
	override(&cfg.Broker.URL, cmd.Broker)
	override(&cfg.Proxy.URL, cmd.Proxy)
	override(&cfg.Census.Port, cmd.Port)
	override(&cfg.Suite.Concurrent, cmd.Concurrent)
	override(&cfg.Suite.Observe, cmd.Observe)
	override(&cfg.Report.Path, cmd.Report)
	override(&cfg.Census.Source, cmd.Census)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	console := output.NewConsole(progressWriter(cli.Output))
	console.Rule()
	console.Print(output.LevelInfo, "MQTT Connection Debug Tool")
	console.Rule()

	s, err := suite.New(suite.Config{
		BrokerURL:       cfg.Broker.URL,
		StatusTopic:     cfg.Broker.StatusTopic,
		ProxyURL:        cfg.Proxy.URL,
		PublishTopic:    cfg.Proxy.PublishTopic,
		PublishMessage:  cfg.Proxy.PublishMessage,
		CensusPort:      cfg.Census.Port,
		ConcurrentCount: cfg.Suite.Concurrent,
		ConnectWait:     cfg.Suite.ConnectWait,
		Observe:         cfg.Suite.Observe,
		Settle:          cfg.Suite.Settle,
		StageDelay:      cfg.Suite.StageDelay,
		HTTPTimeout:     cfg.Suite.HTTPTimeout,
		WebsocketCheck:  cfg.Suite.WebsocketCheck,
		Insecure:        cfg.Broker.Insecure,
	}, suite.Dependencies{
		Dialer:     newDialer(cfg, logger),
		HTTPClient: &http.Client{},
		Census:     censusSource(cfg),
		Printer:    console,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	result, err := s.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			console.Print(output.LevelWarn, "Debug interrupted by user")
			return exitInterrupted
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rep := report.Build(result.Records, report.Counters{
		MessagesReceived:   result.MessagesReceived,
		ConnectionAttempts: result.ConnectionAttempts,
	}, time.Now())
	if err := report.Write(cfg.Report.Path, rep); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Info("report written", zap.String("path", cfg.Report.Path), zap.Int("tests", rep.Summary.TotalTests))

	if err := render(cli.Output, rep, func() string { return output.RenderReport(rep, cfg.Report.Path) }); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return analyze.ExitCode(rep)
}

func runTail(ctx context.Context, cli CLI, cfg config.Config, logger *zap.Logger) int {
	cmd := cli.Tail
	override(&cfg.Broker.URL, cmd.Broker)
	override(&cfg.Census.Port, cmd.Port)
	override(&cfg.Census.Source, cmd.Census)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	console := output.NewConsole(progressWriter(cli.Output))
	opts := tail.Options{
		Dialer:        newDialer(cfg, logger),
		Census:        censusSource(cfg),
		Port:          cfg.Census.Port,
		ConnectWait:   cfg.Broker.ConnectTimeout,
		PollInterval:  cfg.Tail.PollInterval,
		RetryInterval: cfg.Tail.RetryInterval,
		Printer:       console,
		Logger:        logger,
	}
	if cli.Output == "json" {
		enc := json.NewEncoder(os.Stdout)
		opts.Emit = func(ev model.TailEvent) {
			if err := enc.Encode(ev); err != nil {
				logger.Warn("encode event", zap.Error(err))
			}
		}
	}

	tailer, err := tail.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := tailer.Run(ctx); errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return 0
}

func runProbe(ctx context.Context, cli CLI, cfg config.Config, logger *zap.Logger) int {
	cmd := cli.Probe
	override(&cfg.Probe.Timeout, cmd.Timeout)
	if cmd.Resolve {
		cfg.Probe.Resolve = true
	}
	if len(cmd.Resolver) > 0 {
		cfg.Probe.Resolvers = cmd.Resolver
	}
	override(&cfg.Probe.ResolveTransport, cmd.Transport)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	targets := cmd.URLs
	if len(targets) == 0 {
		targets = cfg.Probe.Endpoints
	}
	if len(targets) == 0 {
		targets = probe.DefaultCameraEndpoints
	}

	opts := probe.Options{Timeout: cfg.Probe.Timeout, Insecure: cfg.Probe.Insecure, Logger: logger}
	if cfg.Probe.Resolve {
		resolver, err := newResolver(cfg.Probe, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		opts.Resolver = resolver
	}
	prober := probe.New(opts)

	console := output.NewConsole(progressWriter(cli.Output))
	results := prober.ProbeAll(ctx, targets, func(r model.ProbeResult) {
		if r.OK() {
			console.Print(output.LevelInfo, "%s -> %d in %s", r.Target, r.StatusCode, r.Elapsed)
		} else {
			console.Print(output.LevelError, "%s -> %s: %s", r.Target, r.Outcome, r.Reason)
		}
	})
	if ctx.Err() != nil {
		return exitInterrupted
	}

	summary := probe.Summarize(results)
	var doc any = struct {
		Results []model.ProbeResult `json:"results"`
		Summary probe.Summary       `json:"summary"`
	}{results, summary}
	if err := render(cli.Output, doc, func() string { return output.RenderProbes(results) }); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(summary.Working) == 0 {
		return 1
	}
	return 0
}

func runSwcheck(ctx context.Context, cli CLI, cfg config.Config, logger *zap.Logger) int {
	override(&cfg.Swcheck.AppURL, cli.Swcheck.AppURL)

	checker, err := swcheck.New(swcheck.Options{
		AppURL:  cfg.Swcheck.AppURL,
		Timeout: cfg.Swcheck.Timeout,
		Prober:  probe.New(probe.Options{Timeout: 3 * time.Second, Insecure: cfg.Probe.Insecure, Logger: logger}),
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	analysis := checker.Run(ctx)
	if ctx.Err() != nil {
		return exitInterrupted
	}
	if err := render(cli.Output, analysis, func() string { return output.RenderServiceWorker(analysis) }); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if analysis.AppError != "" {
		return 1
	}
	return 0
}

func render(format string, doc any, pretty func() string) error {
	if format != "json" {
		fmt.Println(pretty())
		return nil
	}
	rendered, err := output.RenderJSON(doc)
	if err != nil {
		return err
	}
	fmt.Println(rendered)
	return nil
}

// progressWriter keeps stdout clean for the JSON document.
func progressWriter(format string) io.Writer {
	if format == "json" {
		return os.Stderr
	}
	return os.Stdout
}

func newDialer(cfg config.Config, logger *zap.Logger) *broker.PahoDialer {
	return broker.NewDialer(broker.Options{
		URL:            cfg.Broker.URL,
		KeepAlive:      cfg.Broker.KeepAlive,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		Insecure:       cfg.Broker.Insecure,
		Logger:         logger,
	})
}

func newResolver(cfg config.ProbeConfig, logger *zap.Logger) (*resolve.Resolver, error) {
	mode, err := resolve.ParseMode(cfg.ResolveTransport)
	if err != nil {
		return nil, err
	}
	servers := cfg.Resolvers
	if len(servers) == 0 {
		servers, err = resolve.SystemResolvers()
		if err != nil {
			return nil, err
		}
	}
	return resolve.New(resolve.Options{Servers: servers, Mode: mode, Timeout: cfg.Timeout, Logger: logger}), nil
}

func censusSource(cfg config.Config) census.Source {
	if cfg.Census.Source == config.SourceNetstat {
		return census.Netstat{}
	}
	return census.Lsof{Path: cfg.Census.Lsof}
}

// override replaces a configured value with one given on the command line.
func override[T comparable](dst *T, flag T) {
	var zero T
	if flag != zero {
		*dst = flag
	}
}

func newLogger(verbose bool, debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
