package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/replicator/internal/api"
	"github.com/hyperengineering/replicator/internal/config"
	"github.com/hyperengineering/replicator/internal/report"
	"github.com/hyperengineering/replicator/internal/snapshot"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	showUI     bool
)

var rootCmd = &cobra.Command{
	Use:          "replicator",
	Short:        "Replicator - incremental source to destination table replication",
	SilenceUsage: true,
	RunE:         run,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate continuously until interrupted (default)",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides REPLICATOR_CONFIG_PATH)")
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().BoolVar(&showUI, "ui", false, "Redraw progress on the terminal")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadConfig honours --config, then the REPLICATOR_CONFIG_PATH lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger. The terminal view owns stdout, so logs move to
	// stderr while it is on.
	var logOut io.Writer = os.Stdout
	ui := showUI || cfg.Report.Terminal
	if ui {
		logOut = os.Stderr
	}
	slog.SetDefault(newLogger(logOut, cfg.Log))
	slog.Info("configuration loaded", "component", "main", "tables", len(cfg.Replication.Tables))

	// 4. Endpoints, state, journal, metrics, orchestrator
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close error", "component", "main", "error", err)
		}
	}()

	// 5. Reporter sinks
	sinks := []report.Sink{report.NewStateFile(cfg.Report.StatePath)}
	if ui {
		sinks = append(sinks, report.NewTerminal(os.Stdout))
	}
	reporter := report.New(a.state, cfg.Report.Interval.Std(), sinks...)

	// The export uploads on its own ticker so a slow bucket never stalls
	// the redraw.
	var exporter snapshot.Uploader
	var exportReporter *report.Reporter
	if a.exportEnabled() {
		exporter = a.uploader
		exportReporter = report.New(a.state, cfg.Report.Interval.Std(),
			report.NewObjectExport(a.uploader, cfg.Export.Interval.Std())).Named("exporter")
	}

	// 6. Worker lifecycle
	g, gctx := errgroup.WithContext(ctx)
	startWorker(gctx, g, "replication", a.orch.Run)
	startWorker(gctx, g, "reporter", reporter.Run)
	if exportReporter != nil {
		startWorker(gctx, g, "exporter", exportReporter.Run)
	}

	// 7. HTTP server
	if cfg.Server.Enabled {
		handler := api.NewHandler(a.state, a.journal, exporter, cfg.Server.APIKey, Version)
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		srv := &http.Server{
			Addr:         addr,
			Handler:      api.NewRouter(handler, a.registry),
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
		}

		g.Go(func() error {
			slog.Info("server starting", "component", "main", "address", addr)
			// Any error other than ErrServerClosed cancels the group.
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown error", "component", "main", "error", err)
			}
			return nil
		})
	}

	// 8. Block until signal or failure
	<-gctx.Done()
	slog.Info("shutdown initiated", "component", "main")

	// 9. Wait for the in-flight cycle, the final redraw and the server drain
	err = g.Wait()
	if err != nil {
		slog.Error("shutdown after failure", "component", "main", "error", err)
	}

	slog.Info("shutdown complete", "component", "main")
	return err
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker in g. Workers return when ctx
// is cancelled and never fail the group.
func startWorker(ctx context.Context, g *errgroup.Group, name string, fn func(ctx context.Context)) {
	g.Go(func() error {
		slog.Debug("worker launched", "component", "main", "worker", name)
		fn(ctx)
		slog.Debug("worker exited", "component", "main", "worker", name)
		return nil
	})
}
