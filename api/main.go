package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/dedupe"
	"github.com/DeafMist/agendaflow/internal/elasticsearch"
	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/generator"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/lock"
	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/messaging"
	"github.com/DeafMist/agendaflow/internal/metrics"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/pipeline"
	"github.com/DeafMist/agendaflow/internal/query"
	"github.com/DeafMist/agendaflow/internal/rebuild"
	"github.com/DeafMist/agendaflow/internal/retrieval"
	"github.com/DeafMist/agendaflow/internal/source"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tax := taxonomy.Default()
	if cfg.TaxonomyFile != "" {
		if tax, err = taxonomy.Load(cfg.TaxonomyFile); err != nil {
			log.Error("load taxonomy", slog.Any("err", err))
			os.Exit(1)
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
		log.Error("init embedder", slog.Any("err", err))
		os.Exit(1)
	}

	store, err := index.NewStore(cfg.IndexDir, log)
	if err != nil {
		log.Error("open index store", slog.Any("err", err))
		os.Exit(1)
	}

	m := metrics.New()
	holder := index.NewHolder()
	if gen, _, err := store.Sync(holder); err != nil {
		log.Warn("load current generation", slog.Any("err", err))
	} else if gen != nil {
		m.SetIndexSize(gen.Size())
		log.Info("index loaded", slog.String("generation", gen.ID()), slog.Int("events", gen.Size()))
	} else {
		log.Warn("no index generation yet, POST /rebuild to build one")
	}
	go store.Watch(ctx, holder, cfg.ReloadInterval, func(g *index.Generation) {
		m.SetIndexSize(g.Size())
	})

	src, err := source.NewFromConfig(cfg.Source, log)
	if err != nil {
		log.Error("init source", slog.Any("err", err))
		os.Exit(1)
	}

	var catalog *elasticsearch.Client
	if cfg.CatalogEnabled {
		catalog, err = elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			log.Error("init elasticsearch", slog.Any("err", err))
			os.Exit(1)
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := catalog.EnsureIndex(ensureCtx); err != nil {
			log.Warn("ensure catalog index", slog.Any("err", err))
		}
		cancel()
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = lock.NewRedis(rdb, "rebuild", lock.DefaultTTL, log)
	}

	rebuildCfg := rebuild.Config{
		Source:          src,
		Taxonomy:        tax,
		Deduplicator:    dedupe.New(),
		Embedder:        emb,
		BatchSize:       cfg.Embedding.BatchSize,
		Holder:          holder,
		Store:           store,
		KeepGenerations: cfg.KeepGenerations,
		Lock:            locker,
		Metrics:         m,
		Log:             log,
	}
	if catalog != nil {
		rebuildCfg.Catalog = catalog
	}
	rebuilder, err := rebuild.New(rebuildCfg)
	if err != nil {
		log.Error("init rebuild service", slog.Any("err", err))
		os.Exit(1)
	}

	srv := &server{
		log: log,
		pipeline: pipeline.New(pipeline.Config{
			Processor: query.NewProcessor(tax, models.Language(cfg.DefaultLanguage)),
			Retriever: retrieval.New(emb, retrieval.Options{
				KInitial: cfg.Retrieval.KInitial,
				KFinal:   cfg.Retrieval.KFinal,
				Lambda:   &cfg.Retrieval.Lambda,
			}, log),
			Holder:    holder,
			Generator: generator.NewFromConfig(cfg.LLM, log),
			Metrics:   m,
			Log:       log,
		}),
		rebuild:        rebuilder,
		holder:         holder,
		metrics:        m,
		rebuildToken:   cfg.RebuildToken,
		requestTimeout: cfg.RequestTimeout,
		defaultPage:    cfg.DefaultPage,
		maxPage:        cfg.MaxPage,
	}
	if catalog != nil {
		srv.catalog = catalog
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub := messaging.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer pub.Close()
		srv.publisher = pub
	}
	if cfg.RebuildToken == "" {
		log.Warn("API_REBUILD_TOKEN is empty, POST /rebuild is disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}
