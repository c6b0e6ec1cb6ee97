package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"convoflow/internal/analyzer"
	"convoflow/internal/api"
	"convoflow/internal/config"
	"convoflow/internal/jobs"
	"convoflow/internal/queue"
	"convoflow/internal/ratelimit"
	"convoflow/internal/retention"
	"convoflow/internal/webhook"
	"convoflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		addr    = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.DBPath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Workers, "number of worker goroutines")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewStore(db, cfg.QueueCeiling)
	if n, err := store.RecoverAbandoned(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("recover abandoned jobs")
	} else if n > 0 {
		log.Info().Int("requeued", n).Msg("recovered jobs left running by previous process")
	}

	q := queue.New(store)
	engine := analyzer.NewClient(cfg.AnalyzerURL, cfg.AnalyzerModel)
	notifier := webhook.NewNotifier(cfg.WebhookTimeout, cfg.WebhookMaxRetries)
	manager := jobs.NewManager()
	limiter := ratelimit.New(map[ratelimit.Tier]int{
		ratelimit.TierPublic:  cfg.RatePublic,
		ratelimit.TierAPIKey:  cfg.RateAPIKey,
		ratelimit.TierPartner: cfg.RatePartner,
	}, cfg.RateWindow)

	pool := worker.NewPool(q, engine, notifier, *workers, worker.Config{
		DequeueTimeout: cfg.DequeueTimeout,
		JobTimeout:     cfg.JobTimeout,
	})
	pool.Start()

	sweeper := retention.NewService(store, manager, limiter, cfg.ResultsTTL, cfg.MetadataTTL)
	if err := sweeper.Start(cfg.RetentionSchedule); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RetentionSchedule).Msg("start retention sweep")
	}

	srv := &http.Server{
		Addr: *addr,
		Handler: api.NewServer(store, manager, limiter, engine, api.Config{
			MaxBatchSize:          cfg.MaxBatchSize,
			MaxConversationLength: cfg.MaxConversationLength,
			JobTimeout:            cfg.JobTimeout,
		}),
	}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	pool.Shutdown(cfg.ShutdownGrace)
	_ = manager.Shutdown(ctxTimeout)
	sweeper.Stop()
	log.Info().Msg("shutdown complete")
}
