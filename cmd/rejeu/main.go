// Command rejeu serves the browser test replay engine: REST and WebSocket
// surfaces, the MCP tool endpoint, and the scheduled-run workers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/rejeu/browser"
	"github.com/hazyhaar/rejeu/config"
	"github.com/hazyhaar/rejeu/dbopen"
	"github.com/hazyhaar/rejeu/engine"
	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/obs"
	"github.com/hazyhaar/rejeu/runq"
	"github.com/hazyhaar/rejeu/server"
	"github.com/hazyhaar/rejeu/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("REJEU_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Application DB.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		slog.Error("apply schema", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	// Observability DB — separate file so metrics and audit writes never
	// contend with run persistence.
	obsDB, err := dbopen.Open(cfg.ObsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open obs db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := obs.Init(obsDB); err != nil {
		slog.Error("obs init", "error", err)
		os.Exit(1)
	}
	metrics := obs.NewMetrics(obsDB, 1000, 5*time.Second)
	defer metrics.Close()
	audit := obs.NewAudit(obsDB, 1000)
	defer audit.Close()

	// Browser.
	manager := browser.NewManager(browser.Config{
		RemoteURL:   cfg.Browser.RemoteURL,
		Headless:    cfg.Browser.Headless,
		Stealth:     cfg.Browser.Stealth,
		StepTimeout: cfg.Browser.StepTimeout,
		NavTimeout:  cfg.Browser.NavTimeout,
		Logger:      logger,
	})
	if err := manager.Start(ctx); err != nil {
		slog.Error("browser start", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	// Healing coordinator.
	suggester := heal.NewSuggester(heal.Config{
		Endpoint: cfg.Healer.Endpoint,
		APIKey:   cfg.Healer.APIKey,
		Model:    cfg.Healer.Model,
		Timeout:  cfg.Healer.Timeout,
		Logger:   logger,
	})
	healer := heal.New(suggester,
		heal.WithSink(st),
		heal.WithAudit(audit.Hook("healer")),
		heal.WithLogger(logger),
	)

	// Engine.
	eng, err := engine.New(engine.Config{
		Sessions: func(ctx context.Context) (engine.Session, error) {
			return manager.NewSession(ctx)
		},
		Healer: healer,
		Logger: logger,
	})
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}

	// Run queue and workers.
	queue := runq.New(db, runq.Options{
		Visibility:   cfg.Workers.Visibility,
		PollInterval: cfg.Workers.PollInterval,
		MaxAttempts:  cfg.Workers.MaxAttempts,
		Logger:       logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("queue init", "error", err)
		os.Exit(1)
	}
	for i := 0; i < cfg.Workers.Count; i++ {
		w := runq.NewWorker(eng, st, queue, logger.With("worker", i))
		go w.Run(ctx)
	}
	go sampleQueueDepth(ctx, queue, metrics)

	// Healing policy: seeded from the store, hot-reloaded on change.
	policy := config.NewPolicySource(ctx, st, cfg.Policy, logger)
	go policy.Watch(ctx, 5*time.Second)

	srv := server.New(server.Config{
		Store:   st,
		Engine:  eng,
		Queue:   queue,
		Policy:  policy,
		Metrics: metrics,
		Audit:   audit,
		Logger:  logger,
	})

	// No WriteTimeout: run sockets stream for the lifetime of a run.
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.Listen, "db", cfg.DBPath, "workers", cfg.Workers.Count)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// sampleQueueDepth records the pending job count so queue backlog shows up
// in the metrics timeseries.
func sampleQueueDepth(ctx context.Context, queue *runq.Q, metrics *obs.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := queue.Len(ctx); err == nil {
				metrics.Count(obs.MetricQueueDepth, float64(n), nil)
			}
		}
	}
}
