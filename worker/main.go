package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/dedupe"
	"github.com/DeafMist/agendaflow/internal/elasticsearch"
	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/lock"
	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/messaging"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/rebuild"
	"github.com/DeafMist/agendaflow/internal/source"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

type rebuilder interface {
	Run(ctx context.Context, req models.RebuildRequest) (models.RebuildSummary, error)
}

func main() {
	_ = godotenv.Load()
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rb, err := newRebuildService(ctx, cfg, log)
	if err != nil {
		log.Error("init rebuild service", slog.Any("err", err))
		os.Exit(1)
	}

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		QueueCapacity:  cfg.QueueCapacity,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
		slog.String("source", cfg.Source.Type),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, rb, cache, cfg, msg); err != nil {
			if ctx.Err() != nil {
				log.Info("context canceled during rebuild, message left uncommitted")
				return
			}
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			dlqMsg := kafka.Message{
				Key:   msg.Key,
				Value: msg.Value,
				Headers: append(msg.Headers,
					kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
					kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
					kafka.Header{Key: "error", Value: []byte(err.Error())},
					kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
				),
			}

			dlqSuccess := false
			for attempt := range 5 {
				if dlqErr := dlqWriter.WriteMessages(ctx, dlqMsg); dlqErr == nil {
					dlqSuccess = true
					log.Info("message sent to DLQ",
						slog.Int("partition", msg.Partition),
						slog.Int64("offset", msg.Offset),
						slog.Int("attempt", attempt+1),
					)
					break
				} else {
					backoff := time.Duration(1<<uint(attempt)) * time.Second
					log.Warn("DLQ write failed, retrying",
						slog.Any("err", dlqErr),
						slog.Int("attempt", attempt+1),
						slog.Duration("backoff", backoff),
					)
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						log.Info("context canceled during DLQ retry")
						return
					}
				}
			}

			// uncommitted messages are redelivered after a restart
			if dlqSuccess {
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error("commit failed message to dlq", slog.Any("err", err))
				}
			} else {
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
			}
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

// processMessage runs the rebuild a message asks for. Redelivered requests
// are skipped; a failed one is forgotten so it can be retried.
func processMessage(ctx context.Context, log *slog.Logger, rb rebuilder, cache *dedupe.Cache, cfg *config.Worker, msg kafka.Message) error {
	req, err := messaging.DecodeRequest(msg)
	if err != nil {
		return err
	}

	if !cache.Claim(req.ID) {
		log.Debug("duplicate rebuild request", slog.String("id", req.ID))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.RebuildTimeout)
	defer cancel()

	summary, err := rb.Run(runCtx, req)
	if errors.Is(err, models.ErrRebuildInProgress) {
		cache.Forget(req.ID)
		log.Info("rebuild already running, request skipped", slog.String("id", req.ID))
		return nil
	}
	if err != nil {
		cache.Forget(req.ID)
		return fmt.Errorf("rebuild %s: %w", req.ID, err)
	}

	log.Info("rebuild request handled",
		slog.String("id", req.ID),
		slog.String("mode", string(summary.Mode)),
		slog.String("generation", summary.GenerationID),
		slog.Int("events", summary.EventsIndexed),
	)
	return nil
}

func newRebuildService(ctx context.Context, cfg *config.Worker, log *slog.Logger) (*rebuild.Service, error) {
	tax := taxonomy.Default()
	if cfg.TaxonomyFile != "" {
		var err error
		if tax, err = taxonomy.Load(cfg.TaxonomyFile); err != nil {
			return nil, fmt.Errorf("load taxonomy: %w", err)
		}
	}

	emb, err := embedding.New(embedding.Options{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	src, err := source.NewFromConfig(cfg.Source, log)
	if err != nil {
		return nil, fmt.Errorf("init source: %w", err)
	}

	store, err := index.NewStore(cfg.IndexDir, log)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	rc := rebuild.Config{
		Source:          src,
		Taxonomy:        tax,
		Deduplicator:    dedupe.New(),
		Embedder:        emb,
		BatchSize:       cfg.Embedding.BatchSize,
		Holder:          index.NewHolder(),
		Store:           store,
		KeepGenerations: cfg.KeepGenerations,
		Lock:            lock.NewLocal(),
		Log:             log,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rl := lock.NewRedis(rdb, "rebuild", cfg.RebuildTimeout, log)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rl.Ping(pingCtx); err != nil {
			log.Warn("redis unavailable, rebuild lock is process-local", slog.Any("err", err))
		} else {
			rc.Lock = rl
		}
		cancel()
	}

	if cfg.CatalogEnabled {
		es, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch: %w", err)
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := es.EnsureIndex(ensureCtx); err != nil {
			log.Warn("ensure catalog index", slog.Any("err", err))
		}
		cancel()
		rc.Catalog = es
	}

	return rebuild.New(rc)
}
