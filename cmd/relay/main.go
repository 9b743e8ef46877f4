package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upload-relay/internal/db"
	"upload-relay/internal/logging"
	"upload-relay/internal/relay"
	"upload-relay/internal/server"
	"upload-relay/internal/staging"
	"upload-relay/internal/storage"
)

func main() {
	logging.SetDefault(logging.FromEnv(os.Stderr))

	if err := server.ValidateAllConfiguration(); err != nil {
		log.Printf("service=relay msg=%q err=%v", "invalid_configuration", err)
		os.Exit(1)
	}
	server.WarnOnOptionalMissingConfig()

	cfg := loadSettings()

	// Object store: constructed once, shared by every request.
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Open(startCtx, cfg.Store)
	cancelStart()
	if err != nil {
		log.Printf("service=relay msg=%q backend=%s err=%v", "store_open_failed", cfg.Store.Backend, err)
		os.Exit(1)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}
	log.Printf("service=relay msg=%q backend=%s bucket=%s", "store_ready", store.Backend(), store.Bucket())

	breaker := storage.NewCircuitBreaker(uint32(cfg.BreakerFailures), cfg.BreakerTimeout)
	rl := relay.New(storage.WithBreaker(store, breaker),
		relay.WithConcurrency(cfg.UploadConcurrency),
		relay.WithRetry(cfg.UploadRetries, 200*time.Millisecond),
	)

	stager, err := staging.NewWriter(cfg.StagingDir)
	if err != nil {
		log.Printf("service=relay msg=%q dir=%s err=%v", "staging_dir_failed", cfg.StagingDir, err)
		os.Exit(1)
	}

	// Optional outcome ledger.
	var ledger server.Ledger
	if cfg.DatabaseURL != "" {
		dbConn, err := db.OpenDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("service=relay msg=%q err=%v", "db_connect_failed", err)
			os.Exit(1)
		}
		defer func() { _ = dbConn.Close() }()

		log.Printf("service=relay msg=%q", "running_migrations")
		if err := db.RunMigrations(dbConn); err != nil {
			log.Printf("service=relay msg=%q err=%v", "migration_failed", err)
			os.Exit(1)
		}
		log.Printf("service=relay msg=%q", "migrations_complete")
		ledger = db.NewLedger(dbConn)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Removes staging files left behind by a crashed process.
	go staging.StartJanitor(ctx, staging.JanitorConfig{
		Enabled:  cfg.JanitorInterval > 0,
		Dir:      stager.Dir(),
		Interval: cfg.JanitorInterval,
		MaxAge:   cfg.JanitorMaxAge,
	})

	srv := server.New(server.Config{
		Addr:             cfg.Addr,
		Version:          cfg.Version,
		Commit:           cfg.Commit,
		Relay:            rl,
		Stager:           stager,
		Breaker:          breaker,
		Ledger:           ledger,
		CorrelationField: cfg.CorrelationField,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		RequestTimeout:   cfg.RequestTimeout,
		RateLimit:        cfg.RateLimit,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=relay msg=%q addr=%s version=%s commit=%s",
			"starting", cfg.Addr, cfg.Version, cfg.Commit)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=relay msg=%q signal=%s", "shutting_down", sig.String())
		stop()
		// In-flight uploads finish their relay and sweep before exit.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.RequestTimeout))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("service=relay msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		log.Printf("service=relay msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil {
			log.Printf("service=relay msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}

// shutdownTimeout gives in-flight requests their full deadline, bounded so a
// stuck client cannot hold the process forever.
func shutdownTimeout(requestTimeout time.Duration) time.Duration {
	const floor, ceiling = 5 * time.Second, 10 * time.Minute
	switch {
	case requestTimeout <= 0:
		return 30 * time.Second
	case requestTimeout < floor:
		return floor
	case requestTimeout > ceiling:
		return ceiling
	}
	return requestTimeout
}

// Compile-time checks against the server's interfaces.
var (
	_ server.Ledger = (*db.Ledger)(nil)
	_ server.Stager = (*staging.Writer)(nil)
)
