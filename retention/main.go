package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/elasticsearch"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/lock"
	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/models"
)

type eventPurger interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type generationPruner interface {
	Prune(keep int) ([]string, error)
}

func main() {
	_ = godotenv.Load()
	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	store, err := index.NewStore(cfg.IndexDir, log)
	if err != nil {
		log.Error("open index store", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = lock.NewRedis(rdb, "rebuild", lock.DefaultTTL, log)
	}

	var purger eventPurger
	if cfg.CatalogEnabled {
		esClient, ok := connect(ctx, log, cfg)
		if !ok {
			os.Exit(1)
		}
		purger = esClient
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("retention job running",
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
		slog.Int("keep_generations", cfg.KeepGenerations),
	)

	runOnce(ctx, log, purger, store, locker, cfg, time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case now := <-ticker.C:
			runOnce(ctx, log, purger, store, locker, cfg, now)
		}
	}
}

// connect retries the Elasticsearch connection with backoff.
func connect(ctx context.Context, log *slog.Logger, cfg *config.Retention) (*elasticsearch.Client, bool) {
	var (
		esClient *elasticsearch.Client
		err      error
	)
	maxRetries := 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		esClient, err = elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			log.Warn("failed to create elasticsearch client, retrying",
				slog.Any("err", err),
				slog.Int("attempt", i+1),
				slog.Int("max_retries", maxRetries),
			)
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if pingErr := esClient.Ping(pingCtx); pingErr == nil {
				cancel()
				break
			} else {
				log.Warn("elasticsearch ping failed, retrying",
					slog.Any("err", pingErr),
					slog.Int("attempt", i+1),
					slog.Int("max_retries", maxRetries),
					slog.Duration("retry_in", retryDelay),
				)
			}
			cancel()
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			log.Info("shutdown signal received during startup")
			return nil, false
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if esClient == nil || esClient.Ping(pingCtx) != nil {
		log.Error("failed to connect to elasticsearch after retries")
		return nil, false
	}

	log.Info("connected to elasticsearch")
	return esClient, true
}

// runOnce removes catalog events that ended more than MaxAge before now and
// prunes superseded index generations while holding the rebuild lock.
// Failures wait for the next tick.
func runOnce(ctx context.Context, log *slog.Logger, purger eventPurger, pruner generationPruner, locker lock.Locker, cfg *config.Retention, now time.Time) {
	if purger != nil {
		subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		deleted, err := purger.DeleteEndedBefore(subCtx, now.Add(-cfg.MaxAge), cfg.BatchSize)
		cancel()
		switch {
		case err != nil:
			log.Warn("catalog retention failed (will retry on next interval)", slog.Any("err", err))
		case deleted > 0:
			log.Info("catalog retention completed", slog.Int64("deleted", deleted))
		default:
			log.Debug("catalog retention completed, no past events found")
		}
	}

	if locker != nil {
		release, err := locker.Acquire(ctx)
		if errors.Is(err, models.ErrRebuildInProgress) {
			log.Info("rebuild running, generation pruning skipped")
			return
		}
		if err != nil {
			log.Warn("acquire rebuild lock", slog.Any("err", err))
			return
		}
		defer release()
	}

	removed, err := pruner.Prune(cfg.KeepGenerations)
	if err != nil {
		log.Warn("prune index generations", slog.Any("err", err))
		return
	}
	if len(removed) > 0 {
		log.Info("index generations pruned", slog.Any("removed", removed))
	}
}
