// Package main runs the syncbox daemon: the local replica, the outbox
// drain loop, connectivity monitoring, reference-data pulls and a
// WebSocket status endpoint for local UIs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lhsu/syncbox/internal/config"
	"github.com/lhsu/syncbox/internal/conflict"
	"github.com/lhsu/syncbox/internal/db"
	"github.com/lhsu/syncbox/internal/interceptor"
	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/orchestrator"
	"github.com/lhsu/syncbox/internal/outbox"
	"github.com/lhsu/syncbox/internal/refdata"
	"github.com/lhsu/syncbox/internal/remote"
)

func main() {
	configPath := flag.String("config", "syncbox.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init(os.Stdout, logging.LevelInfo)
		logging.Error("Failed to load config", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))
	logging.Info("Starting syncbox daemon", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.BaseURL,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err)
		os.Exit(1)
	}

	store := db.NewStore(database)
	versions := db.NewRefDataRepo(database)

	queue := outbox.NewQueue(
		db.NewOutboxRepo(database),
		outbox.BackoffPolicy{
			Base:       cfg.Sync.BackoffBase,
			Multiplier: cfg.Sync.BackoffMult,
			Max:        cfg.Sync.BackoffMax,
		},
		cfg.Sync.MaxAttempts,
	)

	records := interceptor.NewRepository(store, queue)

	api := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	resolver := conflict.NewResolver(cfg.Sync.MergeKinds)

	orch := orchestrator.New(queue, records, store, api, resolver, orchestrator.Config{
		BatchSize: cfg.Sync.BatchSize,
		BulkTypes: cfg.Sync.BulkTypes,
		Strategy:  conflict.Strategy(cfg.Sync.Strategy),
	})

	monitor := orchestrator.NewMonitor(api, orch, cfg.Sync.ProbeInterval)

	refSyncer := refdata.NewSyncer(store, versions, api, cfg.RefData.Types, cfg.RefData.StaleAfter)
	refSyncer.OnStale(func(types []string) {
		// Stale types refresh on the next scheduled pull; the callback
		// only makes the condition visible.
		logging.Info("Reference data needs refresh", map[string]interface{}{"types": types})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	orch.Subscribe(hub.BroadcastState)

	monitor.Start(ctx)
	orch.StartAutoSync(ctx, cfg.Sync.Interval)
	refSyncer.Start(ctx, cfg.RefData.StaleInterval)

	if len(cfg.RefData.Types) > 0 {
		go runRefDataLoop(ctx, refSyncer, orch, cfg.RefData.Interval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats, err := queue.Stats()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"online": orch.IsOnline(),
			"outbox": stats,
		})
	})
	mux.HandleFunc("/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n, err := queue.RetryParked()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		orch.Kick()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rearmed": n})
	})

	server := &http.Server{Addr: cfg.Status.Listen, Handler: mux}
	go func() {
		logging.Info("Status server listening", map[string]interface{}{"addr": cfg.Status.Listen})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Status server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Shutting down", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	refSyncer.Stop()
	monitor.Stop()
	orch.StopAutoSync()
}

// runRefDataLoop pulls reference data on startup and on an interval,
// skipping pulls while offline.
func runRefDataLoop(ctx context.Context, syncer *refdata.Syncer, orch *orchestrator.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	if orch.IsOnline() {
		syncer.SyncAll(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !orch.IsOnline() {
				continue
			}
			syncer.SyncAll(ctx)
		}
	}
}
