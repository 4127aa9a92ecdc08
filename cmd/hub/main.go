// The hub is the replication peer the registers converge on. It serves the
// same management API as a register plus the replication surface, and it
// persists to PostgreSQL rather than a local SQLite file.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matjarpos/internal/app"
	"matjarpos/internal/config"
	"matjarpos/internal/httpapi"
	"matjarpos/internal/replication"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL is not set; hub state will not survive a restart")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := a.SeedUsers(seedCtx); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	if cfg.SeedDemoData {
		if err := a.SeedDemoData(seedCtx); err != nil {
			log.Fatalf("seed demo data: %v", err)
		}
	}
	seedCancel()

	api := httpapi.New(a, cfg.AllowedOrigin)
	peer := replication.NewPeerHandler(a.Collections.All())

	mux := http.NewServeMux()
	mux.Handle("/replicate/", peer.Handler())
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("hub listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	a.Stop()

	log.Println("hub stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
