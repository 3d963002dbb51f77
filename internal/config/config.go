package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedding selects the embedding model.
type Embedding struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// Source describes where raw events come from.
type Source struct {
	Type     string
	Dir      string
	BaseURL  string
	APIKey   string
	Agendas  []string
	City     string
	PageSize int
	MaxPages int
	Timeout  time.Duration
}

// Retrieval tunes search and re-ranking.
type Retrieval struct {
	KInitial int
	KFinal   int
	Lambda   float64
}

// LLM configures the answer generator. An empty BaseURL selects the
// template generator.
type LLM struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Common contains parameters shared by every service.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
	CatalogEnabled     bool

	IndexDir        string
	KeepGenerations int
	TaxonomyFile    string
	DefaultLanguage string
	RedisAddr       string

	Embedding Embedding
	Source    Source
}

// Worker holds configuration for the Kafka rebuild worker.
type Worker struct {
	Common
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaConsumer  string
	DedupeCapacity int
	DedupeTTL      time.Duration
	QueueCapacity  int
	RebuildTimeout time.Duration
}

// API describes HTTP-layer configuration.
type API struct {
	Common
	BindAddr       string
	RebuildToken   string
	RequestTimeout time.Duration
	ReloadInterval time.Duration
	DefaultPage    int
	MaxPage        int
	KafkaBrokers   []string
	KafkaTopic     string
	Retrieval      Retrieval
	LLM            LLM
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

func loadCommon() (Common, error) {
	c := Common{
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "events"),
		CatalogEnabled:     getBool("CATALOG_ENABLED", true),
		IndexDir:           getEnv("INDEX_DIR", "data/index"),
		KeepGenerations:    getInt("INDEX_KEEP_GENERATIONS", 3),
		TaxonomyFile:       getEnv("TAXONOMY_FILE", ""),
		DefaultLanguage:    strings.ToLower(getEnv("DEFAULT_LANGUAGE", "fr")),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		Embedding: Embedding{
			Provider:  strings.ToLower(getEnv("EMBEDDING_PROVIDER", "hash")),
			BaseURL:   getEnv("EMBEDDING_BASE_URL", ""),
			APIKey:    getEnv("EMBEDDING_API_KEY", ""),
			Model:     getEnv("EMBEDDING_MODEL", "intfloat/multilingual-e5-base"),
			Dimension: getInt("EMBEDDING_DIM", 768),
			BatchSize: getInt("EMBEDDING_BATCH_SIZE", 32),
			Timeout:   getDuration("EMBEDDING_TIMEOUT", "30s"),
		},
		Source: Source{
			Type:     strings.ToLower(getEnv("SOURCE_TYPE", "file")),
			Dir:      getEnv("SOURCE_DIR", "data/raw"),
			BaseURL:  getEnv("OPENAGENDA_BASE_URL", "https://api.openagenda.com/v2"),
			APIKey:   getEnv("OPENAGENDA_API_KEY", ""),
			Agendas:  splitAndTrim(getEnv("OPENAGENDA_AGENDAS", "")),
			City:     getEnv("OPENAGENDA_CITY", "Paris"),
			PageSize: getInt("OPENAGENDA_PAGE_SIZE", 300),
			MaxPages: getInt("OPENAGENDA_MAX_PAGES", 50),
			Timeout:  getDuration("OPENAGENDA_TIMEOUT", "30s"),
		},
	}

	if c.IndexDir == "" {
		return c, fmt.Errorf("INDEX_DIR must not be empty")
	}
	if c.KeepGenerations <= 0 {
		return c, fmt.Errorf("INDEX_KEEP_GENERATIONS must be positive")
	}
	if c.DefaultLanguage != "fr" && c.DefaultLanguage != "en" {
		return c, fmt.Errorf("DEFAULT_LANGUAGE must be fr or en")
	}
	if c.Embedding.BatchSize <= 0 {
		return c, fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive")
	}
	if c.Embedding.Dimension < 0 {
		return c, fmt.Errorf("EMBEDDING_DIM cannot be negative")
	}
	switch c.Source.Type {
	case "file":
		if c.Source.Dir == "" {
			return c, fmt.Errorf("SOURCE_DIR must not be empty")
		}
	case "openagenda":
		if c.Source.APIKey == "" {
			return c, fmt.Errorf("OPENAGENDA_API_KEY is required for the openagenda source")
		}
		if c.Source.PageSize <= 0 || c.Source.PageSize > 300 {
			return c, fmt.Errorf("OPENAGENDA_PAGE_SIZE must be between 1 and 300")
		}
	default:
		return c, fmt.Errorf("SOURCE_TYPE must be file or openagenda")
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	c := &Worker{
		Common:         common,
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:     getEnv("KAFKA_REBUILD_TOPIC", "index_rebuild"),
		KafkaConsumer:  getEnv("KAFKA_CONSUMER_GROUP", "index-worker"),
		DedupeCapacity: getInt("WORKER_DEDUPE_CAPACITY", 1000),
		DedupeTTL:      getDuration("WORKER_DEDUPE_TTL", "1h"),
		QueueCapacity:  getInt("WORKER_QUEUE_CAPACITY", 10),
		RebuildTimeout: getDuration("WORKER_REBUILD_TIMEOUT", "30m"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.QueueCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_QUEUE_CAPACITY must be positive")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("WORKER_DEDUPE_CAPACITY must be positive")
	}
	if c.RebuildTimeout <= 0 {
		return nil, fmt.Errorf("WORKER_REBUILD_TIMEOUT must be positive")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	c := &API{
		Common:         common,
		BindAddr:       getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		RebuildToken:   getEnv("API_REBUILD_TOKEN", ""),
		RequestTimeout: getDuration("API_REQUEST_TIMEOUT", "60s"),
		ReloadInterval: getDuration("INDEX_RELOAD_INTERVAL", "30s"),
		DefaultPage:    getInt("API_PAGE_SIZE", 20),
		MaxPage:        getInt("API_MAX_PAGE_SIZE", 100),
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("KAFKA_REBUILD_TOPIC", "index_rebuild"),
		Retrieval: Retrieval{
			KInitial: getInt("RETRIEVAL_K_INITIAL", 12),
			KFinal:   getInt("RETRIEVAL_K_FINAL", 5),
			Lambda:   getFloat("RETRIEVAL_MMR_LAMBDA", 0.3),
		},
		LLM: LLM{
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "mistral-small-latest"),
			Timeout:     getDuration("LLM_TIMEOUT", "30s"),
			MaxTokens:   getInt("LLM_MAX_TOKENS", 800),
			Temperature: getFloat("LLM_TEMPERATURE", 0.3),
		},
	}

	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}
	if c.RequestTimeout <= 0 {
		return nil, fmt.Errorf("API_REQUEST_TIMEOUT must be positive")
	}
	if c.Retrieval.KInitial <= 0 || c.Retrieval.KFinal <= 0 {
		return nil, fmt.Errorf("RETRIEVAL_K_INITIAL and RETRIEVAL_K_FINAL must be positive")
	}
	if c.Retrieval.KFinal > c.Retrieval.KInitial {
		return nil, fmt.Errorf("RETRIEVAL_K_FINAL cannot exceed RETRIEVAL_K_INITIAL")
	}
	if !(c.Retrieval.Lambda >= 0 && c.Retrieval.Lambda <= 1) {
		return nil, fmt.Errorf("RETRIEVAL_MMR_LAMBDA must be in [0, 1]")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	c := &Retention{
		Common:    common,
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "168h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}

	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}

	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
