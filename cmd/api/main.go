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

	"inkwell/api/internal/abuse"
	"inkwell/api/internal/app"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/telemetry"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, "inkwell-api")
	if err != nil {
		log.Fatalf("telemetry init failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	db, err := store.Open(openCtx, cfg.DatabaseURL)
	cancelOpen()
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
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx, pgfts)
	}

	opts := app.Options{
		Search: searchService,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			AppURL:   cfg.PublicURL,
		}),
	}

	// Redis holds revocations and rate limit buckets when configured, so
	// limits are shared across replicas.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for revocations and rate limits")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		opts.Revocations = redisStore
		opts.Cache = redisStore
		opts.Buckets = abuse.NewRedisBuckets(redisStore.Client())
	} else {
		log.Printf("Using PostgreSQL for revocations and in-process rate limits")
	}

	service := app.New(cfg, dataStore, opts)
	defer service.Close()
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell API listening on %s", cfg.Addr)
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
