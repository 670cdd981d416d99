package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"github.com/lomismoney/Mir01-sub000/internal/cache"
	"github.com/lomismoney/Mir01-sub000/internal/config"
	"github.com/lomismoney/Mir01-sub000/internal/httpapi"
	"github.com/lomismoney/Mir01-sub000/internal/lock"
	"github.com/lomismoney/Mir01-sub000/internal/logging"
	"github.com/lomismoney/Mir01-sub000/internal/service"
	"github.com/lomismoney/Mir01-sub000/internal/store"
	"github.com/lomismoney/Mir01-sub000/internal/store/memory"
	pgstore "github.com/lomismoney/Mir01-sub000/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	tsCache := cache.TimeSeriesCache(cache.NoopTimeSeriesCache{})
	locker := lock.Locker(lock.NoopLocker{})
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warnf("redis unavailable (%v), using noop cache and lock", err)
		} else {
			tsCache = cache.NewRedisTimeSeriesCache(redisClient)
			locker = lock.NewRedisLocker(redisClient)
			closers = append(closers, redisClient.Close)
			log.Info("cache: redis, lock: redis")
		}
	} else {
		log.Info("cache: noop, lock: noop")
	}

	svc := service.New(repo, tsCache, locker, log, service.Options{
		DefaultStoreID:       cfg.DefaultStoreID,
		MaxRetryAttempts:     cfg.MaxRetryAttempts,
		AllocationCrossStore: cfg.AllocationCrossStore,
		TimeSeriesTTL:        time.Duration(cfg.TimeSeriesTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("inventory backend listening on %s", cfg.Address())
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
		log.Warnf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnf("close error: %v", err)
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
