package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/httpfilter"
	"github.com/polisai/polis-guard/pkg/logging"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the firewall in front of the configured upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the configuration when it changes on disk")
	return cmd
}

// runServe orchestrates the server lifecycle.
func runServe(ctx context.Context, opts *rootOptions, watch bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.SetupLogger(cfg.LoggerConfig())
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, cfg.TelemetryProviderConfig())
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	g, err := buildGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	source := httpfilter.NewAtomicSource(g.pipeline)
	metrics := httpfilter.NewMetrics()

	upstream, err := upstreamHandler(cfg.Server.Upstream)
	if err != nil {
		return err
	}

	filter := httpfilter.Middleware(source, httpfilter.Options{
		Logger:       logger,
		Metrics:      metrics,
		MaxFormBytes: cfg.Server.MaxFormBytes,
	})
	dataSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      otelhttp.NewHandler(metrics.MetricsMiddleware(filter(upstream)), "guard.data"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           adminMux(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return serveHTTP(gctx, dataSrv, "data", logger) })
	if cfg.Server.AdminAddress != "" {
		group.Go(func() error { return serveHTTP(gctx, adminSrv, "admin", logger) })
	}

	if watch && cfg.Path != "" {
		watcher, err := config.NewWatcher(cfg.Path, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()

		updates := watcher.Subscribe()
		group.Go(func() error { return watcher.Run(gctx) })
		group.Go(func() error {
			reloadLoop(gctx, updates, source, metrics, logger)
			return nil
		})
	}

	logger.Info("polis-guard started",
		"address", cfg.Server.Address,
		"pipeline_id", g.pipeline.ID(),
		"rules", len(g.pipeline.Rules()),
		"upstream", cfg.Server.Upstream,
	)
	return group.Wait()
}

// reloadLoop rebuilds the pipeline for every new configuration. A snapshot
// that fails to build leaves the running pipeline in place.
func reloadLoop(ctx context.Context, updates <-chan config.Snapshot, source *httpfilter.AtomicSource, metrics *httpfilter.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			g, err := buildGuard(ctx, snap.Config, logger)
			if err != nil {
				metrics.RecordConfigReload("failure")
				logger.Error("pipeline rebuild failed", "generation", snap.Generation, "error", err)
				continue
			}
			source.Store(g.pipeline)
			metrics.RecordConfigReload("success")
			logger.Info("pipeline swapped", "generation", snap.Generation, "pipeline_id", g.pipeline.ID())
		}
	}
}

// upstreamHandler proxies to target, or answers 200 when no upstream is set.
func upstreamHandler(target string) (http.Handler, error) {
	if target == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}), nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", target, err)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

func adminMux(metrics *httpfilter.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// serveHTTP serves until ctx is done, then shuts the server down gracefully.
func serveHTTP(ctx context.Context, server *http.Server, name string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("%s server listen: %w", name, err)
	}
	logger.Info("server listening", "server", name, "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	return nil
}
