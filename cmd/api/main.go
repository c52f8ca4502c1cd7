package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/example/automation-gateway/internal/archive"
	"github.com/example/automation-gateway/internal/automation"
	"github.com/example/automation-gateway/internal/config"
	"github.com/example/automation-gateway/internal/httpapi"
	"github.com/example/automation-gateway/internal/jobs"
	"github.com/example/automation-gateway/internal/logging"
	"github.com/example/automation-gateway/internal/metrics"
	"github.com/example/automation-gateway/internal/model"
	"github.com/example/automation-gateway/internal/retention"
	"github.com/example/automation-gateway/internal/store"
)

func main() {
	loadDotEnv()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:          "automation-gateway",
		Short:        "Accepts automation requests and runs them as tracked jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfg.ActionsFile, "actions-file", cfg.ActionsFile, "YAML action catalog")
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	actionsCmd := &cobra.Command{
		Use:   "actions",
		Short: "Print the enabled actions and their timeouts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			reg := automation.Build(cat, automation.Options{})
			for _, a := range reg.Actions() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a, reg.Timeout(a))
			}
			return nil
		},
	}

	var (
		dbPath string
		status string
		limit  int
	)
	archivedCmd := &cobra.Command{
		Use:   "archived",
		Short: "List jobs evicted to the archive database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return errors.New("no archive database configured (set --db or AUTOMATION_ARCHIVE_DB)")
			}
			var filter *model.JobStatus
			if status != "" {
				s := model.JobStatus(strings.ToUpper(status))
				if !s.Valid() {
					return fmt.Errorf("invalid status: %s", status)
				}
				filter = &s
			}
			db, err := archive.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			archived, err := db.ListJobs(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, job := range archived {
				if err := enc.Encode(job.View()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	archivedCmd.Flags().StringVar(&dbPath, "db", cfg.ArchivePath, "archive database path")
	archivedCmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	archivedCmd.Flags().IntVar(&limit, "limit", 25, "maximum jobs to print")

	root.AddCommand(serveCmd, actionsCmd, archivedCmd)
	return root
}

func loadCatalog(cfg config.Config) (automation.Catalog, error) {
	cat := automation.DefaultCatalog()
	cat.DefaultTimeout = cfg.DefaultTimeout
	if cfg.ActionsFile != "" {
		merged, err := cat.MergeFile(cfg.ActionsFile)
		if err != nil {
			return automation.Catalog{}, err
		}
		cat = merged
	}
	return cat.Restrict(cfg.Actions), nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("action catalog: %w", err)
	}
	registry := automation.Build(cat, automation.Options{BlobRoot: cfg.DataDir})

	var metricOpts []metrics.Option
	if cfg.RuntimeMetrics {
		metricOpts = append(metricOpts, metrics.WithRuntimeCollectors())
	}
	sink := metrics.NewPrometheus(metricOpts...)
	jobStore := store.NewMemory()

	managerOpts := []jobs.Option{
		jobs.WithMaxConcurrency(cfg.MaxConcurrency),
		jobs.WithLogger(logger),
		jobs.WithTracerProvider(otel.GetTracerProvider()),
	}
	janitorOpts := []retention.Option{
		retention.WithSchedule(cfg.RetentionCron),
		retention.WithLogger(logger),
	}
	var db *archive.SQLite
	if cfg.ArchivePath != "" {
		db, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer db.Close()
		managerOpts = append(managerOpts, jobs.WithArchive(db))
		janitorOpts = append(janitorOpts, retention.WithArchive(db))
	}

	manager := jobs.NewManager(jobStore, registry, sink, managerOpts...)

	var janitor *retention.Janitor
	if cfg.RetentionTTL > 0 {
		janitor = retention.New(jobStore, cfg.RetentionTTL, janitorOpts...)
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("start retention: %w", err)
		}
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}

	server := httpapi.Server{
		Jobs:    manager,
		Actions: registry,
		Metrics: sink.Handler(),
		Limiter: limiter,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Addr, "actions", registry.Actions())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain jobs: %w", err))
	}
	if janitor != nil {
		if err := janitor.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop retention: %w", err))
		}
	}
	return errors.Join(errs...)
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
