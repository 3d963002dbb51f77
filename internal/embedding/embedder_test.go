package embedding_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/models"
)

type recordingEmbedder struct {
	dim     int
	batches []int
	fail    error
	zero    bool
}

func (r *recordingEmbedder) Name() string   { return "recording" }
func (r *recordingEmbedder) Dimension() int { return r.dim }

func (r *recordingEmbedder) Embed(_ context.Context, texts []string, _ embedding.Mode) ([][]float32, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.batches = append(r.batches, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, r.dim)
		if !r.zero {
			v[0], v[1] = 3, 4
		}
		out[i] = v
	}
	return out, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedBatchedSplitsAndNormalizes(t *testing.T) {
	e := &recordingEmbedder{dim: 4}
	texts := make([]string, 70)

	vecs, err := embedding.EmbedBatched(context.Background(), e, texts, embedding.ModeDocument, 32)
	require.NoError(t, err)
	require.Len(t, vecs, 70)
	require.Equal(t, []int{32, 32, 6}, e.batches)
	for _, v := range vecs {
		require.InDelta(t, 1.0, norm(v), 1e-6)
		require.InDelta(t, 0.6, v[0], 1e-6)
	}
}

func TestEmbedBatchedWrapsModelErrors(t *testing.T) {
	e := &recordingEmbedder{dim: 4, fail: errors.New("model offline")}

	_, err := embedding.EmbedBatched(context.Background(), e, []string{"a"}, embedding.ModeDocument, 8)
	var modelErr *models.EmbeddingModelError
	require.ErrorAs(t, err, &modelErr)
	require.ErrorContains(t, err, "model offline")
}

func TestEmbedBatchedRejectsZeroVectors(t *testing.T) {
	e := &recordingEmbedder{dim: 4, zero: true}

	_, err := embedding.EmbedBatched(context.Background(), e, []string{"a"}, embedding.ModeDocument, 8)
	var modelErr *models.EmbeddingModelError
	require.ErrorAs(t, err, &modelErr)
}

func TestPrefix(t *testing.T) {
	require.Equal(t, "query: ", embedding.Prefix(embedding.ModeQuery))
	require.Equal(t, "passage: ", embedding.Prefix(embedding.ModeDocument))
}

func TestNewSelectsProvider(t *testing.T) {
	e, err := embedding.New(embedding.Options{Provider: "hash", Dimension: 64}, nil)
	require.NoError(t, err)
	require.Equal(t, 64, e.Dimension())

	_, err = embedding.New(embedding.Options{Provider: "openai"}, nil)
	require.Error(t, err)

	_, err = embedding.New(embedding.Options{Provider: "word2vec"}, nil)
	require.Error(t, err)
}
