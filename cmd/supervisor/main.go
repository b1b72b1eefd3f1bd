// goscada supervisor daemon -- facility-wide SCADA supervision.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/goscada/internal/config"
	"github.com/dantte-lp/goscada/internal/facility"
	scadametrics "github.com/dantte-lp/goscada/internal/metrics"
	"github.com/dantte-lp/goscada/internal/supervisor"
	"github.com/dantte-lp/goscada/internal/transport"
	appversion "github.com/dantte-lp/goscada/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// restartBackoff is the delay before a crashed task is restarted.
const restartBackoff = 5 * time.Second

// configPath is the --config flag value.
var configPath string

// rootCmd runs the supervisor daemon.
var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "SCADA supervisor for a multi-unit reactor facility",
	Long: "The supervisor owns sessions to every reactor PLC, RTU gateway, and\n" +
		"coordinator, runs facility-wide automatic control and auto-SCRAM\n" +
		"supervision, and pushes telemetry to operator consoles.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd prints build version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("supervisor"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "supervisor.yaml",
		"path to configuration file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run wires the daemon: config, logging, metrics, transport, facility,
// supervisor, and the metrics HTTP server under one errgroup.
func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// An unusable configuration refuses startup; the operator must
		// complete it through the configurator.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("configuration invalid",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("supervisor starting",
		slog.String("version", appversion.Version),
		slog.Int("units", cfg.Facility.UnitCount),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := scadametrics.NewCollector(reg)

	fac, err := facility.New(&cfg.Facility, logger, collector)
	if err != nil {
		return fmt.Errorf("build facility model: %w", err)
	}

	bindIP := net.ParseIP(cfg.Comms.BindAddr)
	peerIP := net.ParseIP(cfg.Comms.PeerAddr)
	if bindIP == nil || peerIP == nil {
		return fmt.Errorf("parse comms addresses %q / %q", cfg.Comms.BindAddr, cfg.Comms.PeerAddr)
	}
	tr := transport.NewUDP(bindIP, peerIP, logger)
	defer tr.Close()

	sv := supervisor.New(tr, cfg.Comms, fac, logger, collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return superviseTask(ctx, logger, "supervisor", func(taskCtx context.Context) error {
			return sv.Run(taskCtx)
		})
	})

	g.Go(func() error {
		return runMetricsServer(ctx, cfg.Metrics, reg, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("supervisor stopped")
	return nil
}

// superviseTask runs fn, catching panics and restarting after a backoff
// until ctx is cancelled. Clean returns end supervision.
func superviseTask(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	for {
		err := runGuarded(ctx, logger, name, fn)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Error("task failed, restarting",
			slog.String("task", name),
			slog.String("error", err.Error()),
			slog.Duration("backoff", restartBackoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartBackoff):
		}
	}
}

// runGuarded invokes fn with panic recovery.
func runGuarded(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// runMetricsServer serves the Prometheus endpoint until ctx is cancelled.
func runMetricsServer(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// newLogger builds the process logger in the configured format.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
