// Package embedding maps text to unit-norm vectors for the event index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

// Mode distinguishes questions from indexed documents. Asymmetric models
// encode the two differently.
type Mode int

const (
	ModeQuery Mode = iota
	ModeDocument
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

// Prefix returns the mode token prepended to every input.
func Prefix(m Mode) string {
	if m == ModeQuery {
		return "query: "
	}
	return "passage: "
}

// DefaultBatchSize is the number of texts sent per embedding call.
const DefaultBatchSize = 32

// Embedder produces one vector per input text. Implementations apply the mode
// prefix themselves.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error)
}

// Options selects and configures an embedder.
type Options struct {
	Provider  string // "hash" or "openai"
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// New builds the embedder described by opts.
func New(opts Options, log *slog.Logger) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "hash", "local":
		return NewHashing(opts.Dimension), nil
	case "openai", "mistral", "ollama":
		return NewOpenAIClient(OpenAIConfig{
			BaseURL:   opts.BaseURL,
			APIKey:    opts.APIKey,
			Model:     opts.Model,
			Dimension: opts.Dimension,
			Timeout:   opts.Timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

// EmbedBatched embeds texts in fixed-size batches, checks dimensions and
// normalizes every vector to unit length. Any failure is returned as a
// *models.EmbeddingModelError.
func EmbedBatched(ctx context.Context, e Embedder, texts []string, mode Mode, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		batch := texts[start:end]

		vecs, err := e.Embed(ctx, batch, mode)
		if err != nil {
			return nil, &models.EmbeddingModelError{Op: fmt.Sprintf("embed batch %d-%d", start, end), Err: err}
		}
		if len(vecs) != len(batch) {
			return nil, &models.EmbeddingModelError{
				Op:  "embed batch",
				Err: fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch)),
			}
		}
		for i, v := range vecs {
			if dim := e.Dimension(); dim > 0 && len(v) != dim {
				return nil, &models.EmbeddingModelError{
					Op:  "embed batch",
					Err: fmt.Errorf("vector %d has dimension %d, want %d", start+i, len(v), dim),
				}
			}
			if err := Normalize(v); err != nil {
				return nil, &models.EmbeddingModelError{Op: fmt.Sprintf("normalize vector %d", start+i), Err: err}
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// EmbedQuery embeds a single question in query mode.
func EmbedQuery(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := EmbedBatched(ctx, e, []string{text}, ModeQuery, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

var errZeroVector = errors.New("zero vector")

// Normalize scales v to unit L2 norm in place.
func Normalize(v []float32) error {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return errZeroVector
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return nil
}

// Dot is the inner product of two vectors of equal length.
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
