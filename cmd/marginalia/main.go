package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/internal/app"
	"marginalia/internal/config"
	"marginalia/internal/realtime"
	"marginalia/internal/search"
	"marginalia/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.OpenWithPool(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: store.DefaultPoolConfig.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexFromPG(ctx)

	var bus realtime.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for relay fan-out (node %s)", cfg.NodeID)
		redisBus, err := realtime.NewRedisBus(cfg.RedisURL, cfg.NodeID)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisBus.Close()
		bus = redisBus
	} else {
		log.Printf("REDIS_URL not set, relay runs single-node")
	}
	relay := realtime.NewRelay(ctx, dataStore, bus)

	service := app.New(cfg, dataStore, searchService)
	httpServer := app.NewHTTPServer(service, relay, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("marginalia listening on %s", cfg.Addr)
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
	// closes relay hubs and bus subscriptions
	stop()
}
