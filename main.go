package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"rental_ingest/api"
	"rental_ingest/browser"
	"rental_ingest/config"
	"rental_ingest/evasion"
	"rental_ingest/logging"
	"rental_ingest/metrics"
	"rental_ingest/runs"
	"rental_ingest/scheduler"
	"rental_ingest/scraper"
	"rental_ingest/services"
	"rental_ingest/storage"
	"rental_ingest/vpn"
	"rental_ingest/workers"
)

var (
	scrapeNow = flag.Bool("scrape", false, "Run one ingestion and exit")
	reconcile = flag.Bool("reconcile", false, "Mark abandoned runs stale and exit")
	dryRun    = flag.Bool("dry-run", false, "Validate config and settings, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.Log.Path, cfg.Log.Level, cfg.Log.MaxBytes, cfg.Log.MaxBackups)
	if err != nil {
		logrus.Warnf("Could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	logrus.Info("Starting rental_ingest...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		logrus.Infof("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
	} else {
		logrus.Infof("SQLite database: %s", cfg.DBPath)
	}

	recorder := metrics.New()
	controller := runs.NewController(store, runs.WithMetrics(recorder))
	sweeper := workers.NewSweeper(store, cfg.Sweeper.StaleAfter, workers.WithMetrics(recorder), workers.WithOwners(controller))

	if *reconcile {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			logrus.Fatalf("Sweep failed: %v", err)
		}
		logrus.Infof("Marked %d stale runs", n)
		return
	}

	if *dryRun {
		if err := validateSettings(ctx, store); err != nil {
			logrus.Fatalf("Invalid settings: %v", err)
		}
		return
	}

	evidence, err := storage.NewEvidenceSink(ctx, storage.S3Config{
		Bucket:          cfg.Evidence.S3Bucket,
		Region:          cfg.Evidence.S3Region,
		Endpoint:        cfg.Evidence.S3Endpoint,
		AccessKeyID:     cfg.Evidence.S3AccessKeyID,
		SecretAccessKey: cfg.Evidence.S3SecretKey,
		Prefix:          cfg.Evidence.S3Prefix,
	}, cfg.Evidence.Dir)
	if err != nil {
		logrus.Fatalf("Failed to set up evidence storage: %v", err)
	}

	gate := evasion.NewGate(evasion.DefaultConfig(), store, evidence, controller, recorder)
	rotator := vpn.NewRotator(vpn.WithMetrics(recorder))
	reconciler := services.NewReconciler(store, services.DefaultFreshnessWindow, services.WithMetrics(recorder))

	pipeline, err := scraper.NewPipeline(store, controller, browser.NewPlaywrightDriver(), gate, rotator, reconciler, cfg.Selectors,
		scraper.WithBrowserDefaults(browser.Options{
			ProxyURL:    cfg.Browser.ProxyURL,
			UserDataDir: cfg.Browser.DataDir,
		}),
		scraper.WithPipelineMetrics(recorder),
	)
	if err != nil {
		logrus.Fatalf("Failed to build pipeline: %v", err)
	}

	// Handle one-shot commands
	if *scrapeNow {
		go cancelOnSignal(cancel)
		logrus.Info("Running ingestion...")
		runID, err := pipeline.Execute(ctx)
		if err != nil {
			logrus.WithField("run_id", runID).Fatalf("Ingestion failed: %v", err)
		}
		logrus.WithField("run_id", runID).Info("Ingestion complete!")
		return
	}

	// Daemon mode
	sched := scheduler.New(cfg.Scheduler, pipeline, controller, store, sweeper)
	if err := sched.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	go sweeper.Run(ctx, cfg.Sweeper.Interval)
	if cfg.Sweeper.Interval > 0 {
		logrus.Infof("Stale run sweeper every %s", cfg.Sweeper.Interval)
	}

	srv := &api.Server{
		Runs:        store,
		Tracker:     controller,
		Trigger:     sched,
		Captcha:     gate,
		Sweeper:     sweeper,
		Metrics:     recorder.Handler(),
		BaseContext: ctx,
	}
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("API listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("API server error: %v", err)
		}
	}()

	logrus.Info("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("API shutdown: %v", err)
	}
	// cancelling ctx fails an in-flight run as interrupted before the scheduler drains
	cancel()
	sched.Stop()
	logrus.Info("Goodbye!")
}

func cancelOnSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Warn("Interrupted, stopping the run...")
	cancel()
}

func validateSettings(ctx context.Context, store storage.SettingsStore) error {
	settings, err := store.GetSettings(ctx)
	if err != nil {
		return err
	}
	runCfg, err := scraper.ParseRunConfig(settings)
	if err != nil {
		return err
	}
	snapshot, err := json.MarshalIndent(runCfg, "", "  ")
	if err != nil {
		return err
	}
	logrus.Infof("Settings OK:\n%s", snapshot)
	return nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
