package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/calsync/internal/config"
	httpserver "github.com/carebridge/calsync/internal/http"
	"github.com/carebridge/calsync/internal/store"
	syncengine "github.com/carebridge/calsync/internal/sync"
)

// watchSweepInterval is how often expiring push-notification channels are
// renewed. Channels live ~7 days; hourly sweeps leave plenty of slack.
const watchSweepInterval = time.Hour

func main() {
	log.Println("Starting CalSync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	cipher, err := store.NewCipher(cfg.Crypto.EncryptionSecret)
	if err != nil {
		log.Fatalf("failed to initialize token cipher: %v", err)
	}
	stor := store.New(pool, cipher)

	// Issuer discovery needs the network; a failure here degrades id_token
	// verification rather than blocking startup.
	var verifier *oidc.IDTokenVerifier
	if provider, err := oidc.NewProvider(ctx, cfg.Google.IssuerURL); err != nil {
		log.Printf("[WARN] oidc issuer discovery failed, id_token verification disabled: %v", err)
	} else {
		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Google.ClientID})
	}

	tokens := syncengine.NewTokenAuthority(cfg, stor.Credentials, verifier)
	engine := syncengine.NewEngine(cfg, stor, tokens, syncengine.GoogleCalendarFactory)

	go func() {
		ticker := time.NewTicker(watchSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.RefreshAllWatches(ctx)
			}
		}
	}()

	r := httpserver.NewRouter(cfg, stor, engine)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
