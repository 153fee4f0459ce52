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

	"github.com/redis/go-redis/v9"

	"easel/collab/internal/app"
	"easel/collab/internal/config"
	"easel/collab/internal/session"
	"easel/collab/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var snapshots *store.Snapshots
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		snapshots = store.NewSnapshots(db)
	} else {
		log.Printf("no DATABASE_URL; decks will not be persisted")
	}

	var redisClient *redis.Client
	var registry *session.RedisRegistry
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("redis unreachable at %s, running single-process: %v", cfg.RedisAddr, err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
			registry = session.NewRedisRegistryWithClient(redisClient)
		}
	}

	service := app.New(cfg, redisClient, snapshots, registry)
	defer service.Close()

	snapCtx, stopSnapshots := context.WithCancel(ctx)
	defer stopSnapshots()
	go service.SnapshotLoop(snapCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("collabd listening on %s", cfg.Addr)
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
	stopSnapshots()
}
