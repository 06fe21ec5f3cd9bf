package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lecsa/api/internal/app"
	"lecsa/api/internal/rbac"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE:  serveRun,
	}
}

func serveRun(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	seed, err := rbac.LoadSeed(cfg.RolesFile)
	if err != nil {
		log.Fatalf("roles seed: %v", err)
	}
	if err := rt.service.Bootstrap(ctx, seed); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	if rt.search != nil && cfg.MeiliURL != "" {
		go reindexWhenReady(ctx, rt)
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("LECSA API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// reindexWhenReady pushes the archive to Meilisearch once its health check
// passes. Until then searches are served from the store.
func reindexWhenReady(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for attempt := 0; attempt < 12; attempt++ {
		if rt.search.IndexReady() {
			n, err := rt.search.Reindex(ctx)
			if err != nil {
				log.Printf("search: reindex failed: %v", err)
				return
			}
			log.Printf("search: indexed %d archive entries", n)
			return
		}
		<-ticker.C
	}
	log.Printf("search: meilisearch not healthy, serving archive search from the store")
}
