package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cwygoda/harvester/internal/adapter/extractor"
	httpAdapter "github.com/cwygoda/harvester/internal/adapter/http"
	"github.com/cwygoda/harvester/internal/adapter/playlist"
	"github.com/cwygoda/harvester/internal/adapter/sqlstore"
	"github.com/cwygoda/harvester/internal/config"
	"github.com/cwygoda/harvester/internal/domain"
	"github.com/cwygoda/harvester/internal/registry"
	"github.com/cwygoda/harvester/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("failed to load configuration: %v", err)
	}

	log.Printf("starting harvester on port %d", cfg.Port)
	log.Printf("database: %s", cfg.DBDriver)
	log.Printf("scratch dir: %s", cfg.ScratchDir)

	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	if err := run(cfg, store); err != nil {
		store.Close()
		log.Fatalf("harvester stopped: %v", err)
	}
	store.Close()
	log.Println("shutdown complete")
}

func run(cfg *config.Config, store *sqlstore.Store) error {
	// Direct file URLs first, configured commands next, yt-dlp for the rest.
	router := extractor.NewRouter(extractor.NewDirect(nil))
	for _, ec := range cfg.Extractors {
		cmd, err := extractor.NewCommand(ec)
		if err != nil {
			return err
		}
		router.Register(cmd)
	}
	router.Register(extractor.NewYtDlp())

	handles := registry.New(cfg.HandleTTL)

	var pool *worker.Pool
	svc := domain.NewJobService(store,
		domain.WithHistory(store),
		domain.WithLease(cfg.LeaseDuration),
		domain.WithRetryPolicy(domain.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		}),
		domain.WithWakeup(func() { pool.Notify() }),
	)
	pool = worker.New(svc, router, handles, worker.Options{
		Workers:            cfg.Workers,
		PollInterval:       cfg.PollInterval,
		FetchTimeout:       cfg.FetchTimeout,
		ScratchDir:         cfg.ScratchDir,
		StorageRetryBudget: cfg.StorageRetryBudget,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := httpAdapter.NewServer(svc, router, handles, playlist.New(), addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go handles.Run(ctx, cfg.SweepInterval)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	srvDone := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvDone <- err
		}
	}()

	var runErr error
	poolStopped := false
	select {
	case <-ctx.Done():
		log.Println("received shutdown signal")
	case runErr = <-poolDone:
		poolStopped = true
	case runErr = <-srvDone:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if !poolStopped {
		if err := <-poolDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	// Unclaimed handles are lost on exit; remove their files.
	if n := handles.Purge(); n > 0 {
		log.Printf("discarded %d unclaimed handle(s)", n)
	}
	return runErr
}
