package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"presence/internal/config"
	"presence/internal/logging"
	"presence/internal/metrics"
	"presence/internal/observability"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker consumes presence events to keep the Redis occupancy cache current
// and periodically closes check-ins left open past the staleness cutoff.
func main() {
	cfg := config.Load()

	logg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logg.Closer()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "presence-worker")
	if err != nil {
		logg.Base.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logg.Base.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		logg.Base.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:events")
	}

	repo := presence.NewRepository(db.Client)
	cache := presence.NewOccupancyCache(redisClient.Client)

	if err := cache.Resync(ctx, repo); err != nil {
		logg.Base.Warn("initial occupancy resync failed", zap.Error(err))
	} else {
		logg.Base.Info("occupancy cache resynced")
	}

	go sweepStale(ctx, repo, cache, cfg, logg.Base)

	events, err := q.Consume(ctx)
	if err != nil {
		logg.Base.Fatal("queue consume init failed", zap.Error(err))
	}

	logg.Base.Info("worker started, waiting for events")
	for evt := range events {
		if err := cache.Apply(ctx, repo, evt); err != nil {
			logg.Base.Warn("occupancy update failed",
				zap.String("type", evt.Type), zap.Int64("space_id", evt.SpaceID), zap.Error(err))
		}
	}

	logg.Base.Info("worker stopped")
}

// sweepStale closes check-ins older than the cutoff on a fixed interval.
// Students forget to check out; without this the occupancy numbers drift
// upward forever.
func sweepStale(ctx context.Context, repo *presence.Repository, cache *presence.OccupancyCache, cfg config.App, logg *zap.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := repo.CloseStaleCheckIns(ctx, cfg.StaleAfter)
			if err != nil {
				observability.CaptureErr(err)
				logg.Warn("stale sweep failed", zap.Error(err))
				continue
			}
			if closed > 0 {
				metrics.StaleSweeps.Inc()
				logg.Info("closed stale check-ins", zap.Int64("count", closed))
				if err := cache.Resync(ctx, repo); err != nil {
					logg.Warn("occupancy resync after sweep failed", zap.Error(err))
				}
			}
		}
	}
}
