package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clash-of-farms/event-router/internal/config"
	"github.com/clash-of-farms/event-router/internal/credential"
	"github.com/clash-of-farms/event-router/internal/observability"
	"github.com/clash-of-farms/event-router/internal/pipeline"
	"github.com/clash-of-farms/event-router/internal/sink/eventbridge"
	"github.com/clash-of-farms/event-router/internal/source/topic"
	"github.com/clash-of-farms/event-router/internal/tracing"
)

const serviceName = "event-router"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	logLevel   string
	configPath string
	httpAddr   string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides EVENT_ROUTER_LOG_LEVEL)")
	flagSet.StringVar(&opts.configPath, "config", "", "optional YAML config file; environment variables take precedence")
	flagSet.StringVar(&opts.httpAddr, "http-addr", "", "listen address for /health, /readyz and /metrics (default 0.0.0.0:8000)")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(opts.logLevel, ""))
	logger := observability.NewLogger(serviceName, level).With("version", version)
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid configuration", "field", cfgErr.Field, "env", cfgErr.Env, "error", err)
		}
		return fmt.Errorf("load config: %w", err)
	}
	if opts.httpAddr != "" {
		cfg.HTTP.Addr = opts.httpAddr
	}

	level.Set(observability.GetLogLevel(opts.logLevel, cfg.Log.Level))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    serviceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Route: tracing.Route{
			Cache:    cfg.Momento.CacheName,
			Topic:    cfg.Momento.TopicName,
			EventBus: cfg.EventBridge.BusName,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Topic source
	creds := credential.NewProvider(cfg.Momento.AuthToken, cfg.Momento.AuthTokenFile, logger)
	src := topic.NewSource(topic.Config{
		Cache:       cfg.Momento.CacheName,
		Topic:       cfg.Momento.TopicName,
		Reconnect:   cfg.ReconnectRetry(),
		StableAfter: cfg.Reconnect.StableAfter,
	}, topic.NewMomentoSubscriber(creds, logger), logger)
	src.SetTracer(tracer)
	src.SetMetrics(metrics)

	// Event bus sink
	client, err := eventbridge.NewClient(ctx, cfg.AWS.Region, cfg.EventBridge.Endpoint)
	if err != nil {
		return fmt.Errorf("event bus client: %w", err)
	}
	sk, err := eventbridge.NewSink(client, eventbridge.Config{
		Timeout: cfg.Publish.Timeout,
		Retry:   cfg.PublishRetry(),
	}, logger)
	if err != nil {
		return fmt.Errorf("event bus sink: %w", err)
	}
	sk.SetTracer(tracer)
	sk.SetMetrics(metrics)

	p := pipeline.New(pipeline.Config{EventBusName: cfg.EventBridge.BusName}, src, sk, logger)
	p.SetTracer(tracer)
	p.SetMetrics(metrics)

	// Health server
	health := observability.NewHealthServer()
	health.SetLogger(logger)
	health.SetLiveness(func() observability.Liveness {
		st := src.Status()
		return observability.Liveness{
			Connected:  st.Connected,
			Since:      st.Since,
			Reconnects: st.Reconnects,
			LastError:  st.LastError,
		}
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newHandler(health, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go func() {
		if err := creds.Watch(ctx, src.Reload); err != nil {
			logger.Error("credential watcher error", "error", err)
		}
	}()

	subscriptionErr := make(chan error, 1)
	go func() {
		subscriptionErr <- p.Run(ctx)
	}()

	logger.Info("event router started",
		"cache", cfg.Momento.CacheName,
		"topic", cfg.Momento.TopicName,
		"bus", cfg.EventBridge.BusName,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-subscriptionErr:
		runErr = handleSubscriptionExit(ctx, logger, err, cfg.Reconnect.ExitOnFailure)
		if runErr == nil {
			// Keep serving /health until signalled.
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				runErr = fmt.Errorf("http server: %w", err)
			}
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// handleSubscriptionExit logs why the subscription task stopped. It returns a
// non-nil error only when the process should exit because of it.
func handleSubscriptionExit(ctx context.Context, logger *slog.Logger, err error, exitOnFailure bool) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var setupErr *topic.SubscriptionSetupError
	if errors.As(err, &setupErr) {
		logger.Error("topic subscription failed, no longer receiving events",
			"cache", setupErr.Cache,
			"topic", setupErr.Topic,
			"attempts", setupErr.Attempts,
			"error", setupErr.Err,
		)
	} else {
		logger.Error("subscription task stopped", "error", err)
	}

	if exitOnFailure {
		return fmt.Errorf("subscription: %w", err)
	}
	return nil
}

func newHandler(health *observability.HealthServer, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /health", health.Handler())
	mux.Handle("GET /readyz", health.Handler())
	return otelhttp.NewHandler(mux, serviceName)
}
