package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// OpenAIConfig configures the OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIClient talks to any server exposing POST {base}/embeddings (OpenAI,
// Mistral, vLLM, Ollama).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  atomic.Int64
	client     *http.Client
	maxRetries int
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewOpenAIClient creates a client. The dimension, when unset, is learned from
// the first response.
func NewOpenAIClient(cfg OpenAIConfig, log *slog.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		log:        log,
		sleep:      sleepCtx,
	}
	c.dimension.Store(int64(cfg.Dimension))
	return c, nil
}

func (c *OpenAIClient) Name() string { return c.model }

func (c *OpenAIClient) Dimension() int { return int(c.dimension.Load()) }

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	// Ollama /api/embed shape
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends one request for the whole batch, retrying transient failures.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = Prefix(mode) + t
	}
	body, err := json.Marshal(embeddingsRequest{Input: input, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1, lastErr)); err != nil {
				return nil, err
			}
		}

		vecs, retryable, err := c.do(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Warn("embedding request failed, retrying",
			slog.Any("err", err),
			slog.Int("attempt", attempt+1),
			slog.Int("batch", len(texts)),
		)
	}
	return nil, fmt.Errorf("embeddings failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

type retryAfterError struct {
	status string
	wait   time.Duration
}

func (e *retryAfterError) Error() string { return "embeddings endpoint returned " + e.status }

func (c *OpenAIClient) do(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, &retryAfterError{status: resp.Status, wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, false, fmt.Errorf("embeddings failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, true, fmt.Errorf("decode embeddings response: %w", err)
	}

	var vecs [][]float32
	switch {
	case len(out.Data) > 0:
		sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
		vecs = make([][]float32, len(out.Data))
		for i, d := range out.Data {
			vecs[i] = d.Embedding
		}
	case len(out.Embeddings) > 0:
		vecs = out.Embeddings
	default:
		return nil, false, errors.New("no embedding returned")
	}
	if len(vecs) != want {
		return nil, false, fmt.Errorf("got %d embeddings for %d inputs", len(vecs), want)
	}

	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return nil, false, fmt.Errorf("embedding %d has dimension %d", i, len(v))
		}
	}
	if c.dimension.CompareAndSwap(0, int64(dim)) {
		c.log.Info("embedding dimension detected", slog.Int("dimension", dim), slog.String("model", c.model))
	}
	return vecs, false, nil
}

func (c *OpenAIClient) backoff(attempt int, lastErr error) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.wait > 0 {
		return ra.wait
	}
	return retryDelay(attempt)
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(raw); err == nil {
		return time.Until(ts)
	}
	return 0
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// exponential backoff capped at 5s
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second || d <= 0 {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
