package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pthm/hxstream"
	hxstreamecho "github.com/pthm/hxstream/adapters/echo"
	"github.com/pthm/hxstream/lib/upstream"
)

var (
	serveWithEcho bool
	serveTrace    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the streamed document",
	Long: `Serve GET / as a progressively hydrated document backed by the upstream
API, GET /spa.js as the browser runtime and /api/* as a proxy to the
upstream. Metrics are served on a separate listener when --metrics-addr is
set.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("upstream", "http://localhost:2345", "upstream API base URL")
	f.Duration("upstream-timeout", 30*time.Second, "timeout for the upstream call")
	f.String("strategy", hxstream.StrategyEvent, "hydration strategy announced to the page (event|poll)")
	f.Duration("hydrate-timeout", hxstream.DefaultHydrateTimeout, "client-side hydration timeout")
	f.Duration("poll-interval", hxstream.DefaultPollInterval, "client-side polling interval")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&serveWithEcho, "echo", false, "route through an Echo instance")
	f.BoolVar(&serveTrace, "trace", false, "log an OpenTelemetry span per upstream call")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing := tracerProvider(serveTrace)
	defer shutdownTracing()

	client, err := upstream.New(cfg.UpstreamURL,
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithTracerProvider(tp),
		upstream.WithLogger(logger.Named("upstream")),
	)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	shell := hxstream.DefaultShell()
	shell.Strategy = cfg.Strategy
	shell.Timeout = cfg.HydrateTimeout
	shell.PollInterval = cfg.PollInterval

	rs, err := hxstream.NewResponder(client,
		hxstream.WithShell(shell),
		hxstream.WithLogger(logger.Named("responder")),
		hxstream.WithMetrics(hxstream.NewMetrics(promReg)),
	)
	if err != nil {
		return err
	}
	reg := hxstream.NewRegistry(rs)
	reg.ProxyAPI("/api/", client.BaseURL())

	var handler http.Handler = reg.Handler()
	if serveWithEcho {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		hxstreamecho.Mount(e, reg)
		handler = e
	}

	logger.Info("serving",
		zap.String("upstream", cfg.UpstreamURL),
		zap.String("strategy", cfg.Strategy),
		zap.Strings("routes", reg.Routes()),
		zap.Bool("echo", serveWithEcho),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// No WriteTimeout: a stream stays open for as long as the upstream call.
		return listenAndServe(gctx, "app", &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		})
	})
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		g.Go(func() error {
			return listenAndServe(gctx, "metrics", &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			})
		})
	}
	return g.Wait()
}

// tracerProvider returns the global provider, or with enabled a provider
// that logs every finished span.
func tracerProvider(enabled bool) (trace.TracerProvider, func()) {
	if !enabled {
		return otel.GetTracerProvider(), func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanLogger{logger.Named("trace")}))
	return tp, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}
}

// spanLogger is a span exporter that writes spans to the log.
type spanLogger struct {
	logger *zap.Logger
}

func (s spanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
		}
		if d := span.Status().Description; d != "" {
			fields = append(fields, zap.String("status_description", d))
		}
		for _, kv := range span.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		s.logger.Info(span.Name(), fields...)
	}
	return nil
}

func (s spanLogger) Shutdown(context.Context) error {
	return nil
}
