// Package elasticsearch maintains the browsable event catalog. The catalog
// mirrors the active generation and is never on the question-answering path.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/agendaflow/internal/models"
)

const bulkChunk = 500

// Client wraps go-elasticsearch with helpers tailored to this project.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// SearchParams narrow the catalog search.
type SearchParams struct {
	Query          string
	Category       string
	Price          string
	Arrondissement *int
	From           int
	Size           int
	Sort           string
	Start          *time.Time
	End            *time.Time
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64                   `json:"total"`
	Items []models.CanonicalEvent `json:"items"`
}

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":             map[string]any{"type": "keyword"},
			"title":          map[string]any{"type": "text", "analyzer": "french"},
			"description":    map[string]any{"type": "text", "analyzer": "french"},
			"start_datetime": map[string]any{"type": "date"},
			"end_datetime":   map[string]any{"type": "date"},
			"venue_name":     map[string]any{"type": "text"},
			"city":           map[string]any{"type": "keyword"},
			"arrondissement": map[string]any{"type": "integer"},
			"price_bucket":   map[string]any{"type": "keyword"},
			"categories":     map[string]any{"type": "keyword"},
			"url":            map[string]any{"type": "keyword", "index": false},
			"source_id":      map[string]any{"type": "keyword"},
			"aliases":        map[string]any{"type": "keyword"},
			"generation_id":  map[string]any{"type": "keyword"},
		},
	},
}

// EnsureIndex creates the catalog index with its mapping when missing.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	payload, err := json.Marshal(indexMapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	res, err = c.es.Indices.Create(c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	// another process may have created it in between
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body)))
	}
	c.log.Info("catalog index ready", slog.String("index", c.index))
	return nil
}

// catalogDoc is an event tagged with the generation that wrote it.
type catalogDoc struct {
	models.CanonicalEvent
	GenerationID string `json:"generation_id"`
}

// ReplaceGeneration makes the catalog mirror one generation: its events are
// upserted tagged with generationID, then every document of another
// generation is deleted. Nothing is deleted when the upsert fails.
func (c *Client) ReplaceGeneration(ctx context.Context, generationID string, events []models.CanonicalEvent) (int, int64, error) {
	indexed, err := c.IndexEvents(ctx, generationID, events)
	if err != nil {
		return indexed, 0, err
	}

	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithIndex(c.index),
		c.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return indexed, 0, fmt.Errorf("refresh index: %w", err)
	}
	res.Body.Close()

	deleted, err := c.deleteByQuery(ctx, otherGenerationsQuery(generationID), 0)
	if err != nil {
		return indexed, deleted, fmt.Errorf("remove stale events: %w", err)
	}
	return indexed, deleted, nil
}

// IndexEvents upserts events with the bulk API and returns how many were
// accepted.
func (c *Client) IndexEvents(ctx context.Context, generationID string, events []models.CanonicalEvent) (int, error) {
	indexed := 0
	for start := 0; start < len(events); start += bulkChunk {
		end := min(start+bulkChunk, len(events))
		n, err := c.bulk(ctx, generationID, events[start:end])
		indexed += n
		if err != nil {
			return indexed, err
		}
	}
	return indexed, nil
}

func otherGenerationsQuery(generationID string) map[string]any {
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must_not": []map[string]any{{"term": map[string]any{"generation_id": generationID}}},
			},
		},
	}
}

func (c *Client) bulk(ctx context.Context, generationID string, events []models.CanonicalEvent) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": ev.ID}}
		if err := enc.Encode(meta); err != nil {
			return 0, fmt.Errorf("marshal bulk meta: %w", err)
		}
		if err := enc.Encode(catalogDoc{CanonicalEvent: ev, GenerationID: generationID}); err != nil {
			return 0, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
	}

	req := esapi.BulkRequest{
		Index:   c.index,
		Body:    &buf,
		Refresh: "false",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return 0, fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("bulk index failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}

	ok := 0
	for _, item := range parsed.Items {
		for _, r := range item {
			if r.Status >= 300 {
				c.log.Warn("catalog document rejected",
					slog.String("id", r.ID),
					slog.Int("status", r.Status),
					slog.String("error", string(r.Error)),
				)
				continue
			}
			ok++
		}
	}
	return ok, nil
}

// SearchEvents executes a bool query with optional filters.
func (c *Client) SearchEvents(ctx context.Context, params SearchParams) (*SearchResult, error) {
	payload, err := json.Marshal(buildSearchBody(params))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.CanonicalEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.CanonicalEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

func buildSearchBody(params SearchParams) map[string]any {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	must := make([]map[string]any, 0, 1)
	filters := make([]map[string]any, 0, 4)

	if params.Query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  params.Query,
				"fields": []string{"title^2", "description", "venue_name"},
			},
		})
	}

	if params.Category != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"categories": params.Category},
		})
	}

	if params.Price != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"price_bucket": params.Price},
		})
	}

	if params.Arrondissement != nil {
		filters = append(filters, map[string]any{
			"term": map[string]any{"arrondissement": *params.Arrondissement},
		})
	}

	if params.Start != nil || params.End != nil {
		rangeQuery := map[string]any{}
		if params.Start != nil {
			rangeQuery["gte"] = params.Start.UTC().Format(time.RFC3339)
		}
		if params.End != nil {
			rangeQuery["lte"] = params.End.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"start_datetime": rangeQuery},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if len(must) == 0 && len(filters) == 0 {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	body := map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": boolQuery,
		},
	}

	sortField := params.Sort
	if sortField == "" {
		sortField = "start_datetime:asc"
	}

	parts := strings.Split(sortField, ":")
	order := "asc"
	field := parts[0]
	if field == "" {
		field = "start_datetime"
	}
	if len(parts) > 1 && (parts[1] == "asc" || parts[1] == "desc") {
		order = parts[1]
	}
	body["sort"] = []map[string]any{
		{field: map[string]any{"order": order}},
	}
	return body
}

// DeleteEndedBefore removes events that finished before cutoff (or started
// before it when they have no end) using batched delete-by-query. It loops
// until a batch returns fewer deleted documents than batchSize.
func (c *Client) DeleteEndedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return c.deleteByQuery(ctx, endedBeforeQuery(cutoff), batchSize)
}

// deleteByQuery runs delete-by-query in batches of batchSize, or in one
// request when batchSize is zero.
func (c *Client) deleteByQuery(ctx context.Context, query map[string]any, batchSize int) (int64, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("marshal delete body: %w", err)
	}

	opts := []func(*esapi.DeleteByQueryRequest){
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithWaitForCompletion(true),
		c.es.DeleteByQuery.WithConflicts("proceed"),
	}
	if batchSize > 0 {
		opts = append(opts,
			c.es.DeleteByQuery.WithScrollSize(batchSize),
			c.es.DeleteByQuery.WithMaxDocs(batchSize),
		)
	}

	totalDeleted := int64(0)
	for {
		res, err := c.es.DeleteByQuery([]string{c.index}, bytes.NewReader(payload), opts...)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if batchSize == 0 || parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

func endedBeforeQuery(cutoff time.Time) map[string]any {
	ts := cutoff.UTC().Format(time.RFC3339)
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"should": []map[string]any{
					{"range": map[string]any{"end_datetime": map[string]any{"lt": ts}}},
					{"bool": map[string]any{
						"must_not": []map[string]any{{"exists": map[string]any{"field": "end_datetime"}}},
						"filter":   []map[string]any{{"range": map[string]any{"start_datetime": map[string]any{"lt": ts}}}},
					}},
				},
				"minimum_should_match": 1,
			},
		},
	}
}

// Health checks cluster health.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
