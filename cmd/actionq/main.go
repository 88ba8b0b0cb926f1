package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"actionq/internal/action"
	"actionq/internal/config"
	httpx "actionq/internal/http"
	"actionq/internal/logging"
	"actionq/internal/store/postgres"
)

func main() {
	cfg, _ := config.Load()
	log := logging.New(cfg.LogLevel)

	gdb, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := postgres.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	store := postgres.New(gdb)
	registry := action.NewRegistry(log)
	scheduler := action.NewScheduler(store, action.SchedulerConfig{DedupWindow: cfg.Actions.DedupWindow}, log)
	processor := action.NewProcessor(store, registry, scheduler, action.ProcessorConfig{
		DefaultBatchSize: cfg.Actions.BatchSize,
		DefaultTimeout:   cfg.Actions.DefaultTimeout,
	}, log)

	registerBuiltins(registry, store, log)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	if cfg.Actions.PollInterval > 0 {
		for i := 0; i < cfg.Actions.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runDriver(ctx, processor, cfg.Actions, log)
			}()
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(cfg, scheduler, processor, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runDriver periodically invokes the processor. Several drivers may run
// in one process; the store's claim primitive keeps them from stepping
// on each other.
func runDriver(ctx context.Context, proc *action.Processor, cfg config.ActionsConfig, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := proc.ProcessPendingActions(ctx, cfg.BatchSize)
			if err != nil {
				log.Error().Err(err).Msg("processing pass failed")
				continue
			}
			if res.Processed > 0 {
				log.Info().
					Int("processed", res.Processed).
					Int("succeeded", res.Succeeded).
					Int("failed", res.Failed).
					Msg("processing pass")
			}
		}
	}
}

// registerBuiltins wires the handlers this binary ships with. Retention
// is the only one: operators schedule it via POST /actions/recurring,
// typically daily under the "maintenance" lock group.
func registerBuiltins(registry *action.Registry, store *postgres.Store, log zerolog.Logger) {
	registry.Register("actions:purge", func(ctx context.Context, payload json.RawMessage, _ *action.ScheduledAction) error {
		var p struct {
			RetentionDays int `json:"retentionDays"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.RetentionDays <= 0 {
			p.RetentionDays = 30
		}
		olderThan := time.Now().AddDate(0, 0, -p.RetentionDays)
		purged, err := store.PurgeTerminal(ctx, olderThan)
		if err != nil {
			return err
		}
		log.Info().Int64("purged", purged).Time("older_than", olderThan).Msg("terminal actions purged")
		return nil
	},
		action.WithDescription("delete completed/failed actions past retention"),
		action.WithTimeout(5*time.Minute),
	)
}
