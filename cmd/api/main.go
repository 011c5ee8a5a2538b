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

	"curator/api/internal/app"
	"curator/api/internal/blob"
	"curator/api/internal/broadcast"
	"curator/api/internal/config"
	"curator/api/internal/presence"
	"curator/api/internal/search"
	"curator/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
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
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var (
		presenceStore *presence.Store
		broker        *broadcast.Broker
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		presenceStore, err = presence.NewStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer presenceStore.Close()
		broker, err = broadcast.NewBroker(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer broker.Close()
	} else {
		log.Printf("WARNING: no REDIS_URL; edit sessions run without collaboration")
	}

	var attachments *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachments, err = blob.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
	}

	var service *app.Service
	if attachments != nil {
		service = app.New(cfg, dataStore, searchService, presenceStore, broker, attachments)
	} else {
		service = app.New(cfg, dataStore, searchService, presenceStore, broker, nil)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go service.WatchLifecycle(watchCtx)
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no read/write timeouts: edit sessions hold websockets open
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Curator API listening on %s", cfg.Addr)
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
}
