package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicware/clinic-queue/internal/api"
	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/config"
	"github.com/clinicware/clinic-queue/internal/db"
	"github.com/clinicware/clinic-queue/internal/events"
	"github.com/clinicware/clinic-queue/internal/queue"
	redisclient "github.com/clinicware/clinic-queue/internal/redis"
	"github.com/clinicware/clinic-queue/internal/settings"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s timezone=%s", cfg.Env, cfg.HTTPPort, cfg.ClinicTimezone)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PGMaxConns)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	repo := queue.NewPgRepository(pgPool)
	provider := settings.NewPgProvider(pgPool)
	registry := closure.NewPgRegistry(pgPool)
	locker := redisclient.NewRedisDateLocker(rdb, cfg.LockTTL, cfg.LockWait)
	sink := events.NewStoreSink(pgPool, rdb, cfg.BroadcastChannel)

	svc := queue.NewService(repo, provider, registry, locker, sink, cfg.Location())

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Closures: registry,
		PgPool:   pgPool,
		Redis:    rdb,
		Env:      cfg.Env,
		Version:  version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}
