package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/internal/app"
	"taskboard/internal/cache"
	"taskboard/internal/client"
	"taskboard/internal/config"
	"taskboard/internal/pipeline"
	"taskboard/internal/presence"
	"taskboard/internal/realtime"
	"taskboard/internal/session"
	"taskboard/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db.DB, cfg.MigrationsDir)
	if err != nil {
		logger.Fatalf("migrations failed: %v", err)
	}
	logger.WithField("applied", applied).Info("migrations up to date")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatalf("redis connection failed: %v", err)
	}
	cancelPing()

	events := realtime.NewRedisTransport(rdb, logger)
	dataStore := realtime.NewPublishingStore(store.NewPostgresStore(db), events, logger)
	boardCache := cache.New()
	pipe := pipeline.New(dataStore, boardCache, logger).WithRoleTTL(cfg.RoleTTL)
	syncClient := realtime.NewSyncClient(events, boardCache, logger)
	presenceTransport := presence.NewRedisTransport(rdb, logger).WithLeaseTTL(cfg.PresenceTTL)

	service := app.NewService(cfg, dataStore, pipe, session.NewRedisStore(rdb), func(actor pipeline.Actor) *client.Client {
		return client.New(actor, pipe, syncClient, presenceTransport, logger)
	}, logger)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("taskboard listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// board streams only end when their boards close
	service.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
}
