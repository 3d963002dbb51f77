package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/config"
)

func TestLoadWorkerDefaults(t *testing.T) {
	t.Setenv("ELASTICSEARCH_ADDR", "")
	t.Setenv("ELASTICSEARCH_INDEX", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_REBUILD_TOPIC", "")
	t.Setenv("KAFKA_CONSUMER_GROUP", "")
	t.Setenv("SOURCE_TYPE", "")
	t.Setenv("EMBEDDING_PROVIDER", "")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	require.Equal(t, "http://elasticsearch:9200", cfg.ElasticsearchAddr)
	require.Equal(t, "events", cfg.ElasticsearchIndex)
	require.True(t, cfg.CatalogEnabled)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "index_rebuild", cfg.KafkaTopic)
	require.Equal(t, "index-worker", cfg.KafkaConsumer)
	require.Equal(t, "file", cfg.Source.Type)
	require.Equal(t, "hash", cfg.Embedding.Provider)
	require.Equal(t, 32, cfg.Embedding.BatchSize)
	require.Equal(t, time.Hour, cfg.DedupeTTL)
}

func TestLoadWorkerOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker-a:29092, broker-b:29093")
	t.Setenv("KAFKA_REBUILD_TOPIC", "custom_topic")
	t.Setenv("KAFKA_CONSUMER_GROUP", "custom-group")
	t.Setenv("WORKER_DEDUPE_CAPACITY", "5")
	t.Setenv("WORKER_DEDUPE_TTL", "48h")
	t.Setenv("WORKER_QUEUE_CAPACITY", "3")
	t.Setenv("WORKER_REBUILD_TIMEOUT", "10m")
	t.Setenv("SOURCE_TYPE", "openagenda")
	t.Setenv("OPENAGENDA_API_KEY", "secret")
	t.Setenv("OPENAGENDA_AGENDAS", "123, 456")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	require.Equal(t, []string{"broker-a:29092", "broker-b:29093"}, cfg.KafkaBrokers)
	require.Equal(t, "custom_topic", cfg.KafkaTopic)
	require.Equal(t, "custom-group", cfg.KafkaConsumer)
	require.Equal(t, 5, cfg.DedupeCapacity)
	require.Equal(t, 48*time.Hour, cfg.DedupeTTL)
	require.Equal(t, 3, cfg.QueueCapacity)
	require.Equal(t, 10*time.Minute, cfg.RebuildTimeout)
	require.Equal(t, "openagenda", cfg.Source.Type)
	require.Equal(t, []string{"123", "456"}, cfg.Source.Agendas)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadAPI(t *testing.T) {
	t.Setenv("API_BIND_ADDR", ":9090")
	t.Setenv("API_PAGE_SIZE", "15")
	t.Setenv("API_MAX_PAGE_SIZE", "200")
	t.Setenv("API_REBUILD_TOKEN", "token")
	t.Setenv("ELASTICSEARCH_ADDR", "http://api-es:9200")
	t.Setenv("ELASTICSEARCH_INDEX", "api-index")
	t.Setenv("RETRIEVAL_K_INITIAL", "20")
	t.Setenv("RETRIEVAL_K_FINAL", "4")
	t.Setenv("RETRIEVAL_MMR_LAMBDA", "0.5")
	t.Setenv("LLM_BASE_URL", "http://llm:8000/v1")
	t.Setenv("DEFAULT_LANGUAGE", "EN")

	cfg, err := config.LoadAPI()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.BindAddr)
	require.Equal(t, 15, cfg.DefaultPage)
	require.Equal(t, 200, cfg.MaxPage)
	require.Equal(t, "token", cfg.RebuildToken)
	require.Equal(t, "http://api-es:9200", cfg.ElasticsearchAddr)
	require.Equal(t, "api-index", cfg.ElasticsearchIndex)
	require.Equal(t, config.Retrieval{KInitial: 20, KFinal: 4, Lambda: 0.5}, cfg.Retrieval)
	require.Equal(t, "http://llm:8000/v1", cfg.LLM.BaseURL)
	require.Equal(t, "en", cfg.DefaultLanguage)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadAPIAcceptsZeroLambda(t *testing.T) {
	t.Setenv("RETRIEVAL_MMR_LAMBDA", "0")

	cfg, err := config.LoadAPI()
	require.NoError(t, err)
	require.Zero(t, cfg.Retrieval.Lambda)
}

func TestLoadAPIValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "page size", env: map[string]string{"API_PAGE_SIZE": "50", "API_MAX_PAGE_SIZE": "10"}},
		{name: "k final", env: map[string]string{"RETRIEVAL_K_INITIAL": "3", "RETRIEVAL_K_FINAL": "5"}},
		{name: "lambda", env: map[string]string{"RETRIEVAL_MMR_LAMBDA": "1.5"}},
		{name: "negative lambda", env: map[string]string{"RETRIEVAL_MMR_LAMBDA": "-0.2"}},
		{name: "language", env: map[string]string{"DEFAULT_LANGUAGE": "de"}},
		{name: "source", env: map[string]string{"SOURCE_TYPE": "ftp"}},
		{name: "openagenda key", env: map[string]string{"SOURCE_TYPE": "openagenda", "OPENAGENDA_API_KEY": ""}},
		{name: "keep", env: map[string]string{"INDEX_KEEP_GENERATIONS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadAPI()
			require.Error(t, err)
		})
	}
}

func TestLoadRetention(t *testing.T) {
	t.Setenv("ELASTICSEARCH_ADDR", "http://ret-es:9200")
	t.Setenv("ELASTICSEARCH_INDEX", "ret-index")
	t.Setenv("RETENTION_CRON", "12h")
	t.Setenv("RETENTION_MAX_AGE", "36h")
	t.Setenv("RETENTION_BATCH_SIZE", "123")
	t.Setenv("INDEX_DIR", "/var/lib/agendaflow")

	cfg, err := config.LoadRetention()
	require.NoError(t, err)

	require.Equal(t, 12*time.Hour, cfg.Interval)
	require.Equal(t, 36*time.Hour, cfg.MaxAge)
	require.Equal(t, 123, cfg.BatchSize)
	require.Equal(t, "http://ret-es:9200", cfg.ElasticsearchAddr)
	require.Equal(t, "ret-index", cfg.ElasticsearchIndex)
	require.Equal(t, "/var/lib/agendaflow", cfg.IndexDir)
}
