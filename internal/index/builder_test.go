package index_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/models"
)

var buildTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func sampleEvents(n int) []models.CanonicalEvent {
	titles := []string{"Concert de jazz", "Exposition Monet", "Atelier poterie", "Ciné-club", "Bal tango"}
	out := make([]models.CanonicalEvent, n)
	for i := range out {
		arr := i%20 + 1
		out[i] = models.CanonicalEvent{
			ID:             fmt.Sprintf("ev-%02d", i),
			Title:          fmt.Sprintf("%s %d", titles[i%len(titles)], i),
			Description:    strings.Repeat("Une soirée à ne pas manquer. ", 3),
			Start:          time.Date(2025, 3, 15+i%5, 19, 0, 0, 0, time.UTC),
			VenueName:      fmt.Sprintf("Salle %d", i),
			City:           "Paris",
			Arrondissement: &arr,
			PriceBucket:    models.PriceFree,
			Categories:     []models.Category{"music"},
			SourceID:       "test",
			Seq:            i,
		}
	}
	return out
}

func buildSample(t *testing.T, n int) *index.Generation {
	t.Helper()
	g, err := index.Build(context.Background(), sampleEvents(n), embedding.NewHashing(64), index.BuildOptions{
		BatchSize: 4,
		Now:       func() time.Time { return buildTime },
	})
	require.NoError(t, err)
	return g
}

func TestBuildProducesUnitVectors(t *testing.T) {
	g := buildSample(t, 10)

	require.Equal(t, 10, g.Size())
	require.Equal(t, 10, g.Index.Len())
	require.Equal(t, 64, g.Manifest.Dimension)
	require.Equal(t, 10, g.Manifest.Count)
	require.Equal(t, "hashing", g.Manifest.EmbeddingModel)
	require.Equal(t, models.RebuildFull, g.Manifest.Mode)
	require.Equal(t, buildTime, g.Manifest.CreatedAt)
	require.NotEmpty(t, g.Manifest.ID)
	require.Len(t, g.Manifest.ContentHash, 64)

	for row := 0; row < g.Size(); row++ {
		var sum float64
		for _, x := range g.Index.Vector(row) {
			sum += float64(x) * float64(x)
		}
		require.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)

		ev, ok := g.Event(row)
		require.True(t, ok)
		require.Equal(t, g.IDMap[row], ev.ID)
	}
	_, ok := g.Event(10)
	require.False(t, ok)
}

func TestBuildRejectsEmptyCorpus(t *testing.T) {
	_, err := index.Build(context.Background(), nil, embedding.NewHashing(8), index.BuildOptions{})
	require.ErrorIs(t, err, models.ErrEmptyCorpus)
}

func TestBuildRejectsDuplicateIDs(t *testing.T) {
	events := sampleEvents(2)
	events[1].ID = events[0].ID
	_, err := index.Build(context.Background(), events, embedding.NewHashing(8), index.BuildOptions{})
	require.ErrorContains(t, err, "duplicate event id")
}

func TestContentHashIsStable(t *testing.T) {
	a, err := index.ContentHash(sampleEvents(3))
	require.NoError(t, err)
	b, err := index.ContentHash(sampleEvents(3))
	require.NoError(t, err)
	require.Equal(t, a, b)

	changed := sampleEvents(3)
	changed[2].Title = "autre"
	c, err := index.ContentHash(changed)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDocumentText(t *testing.T) {
	arr := 1
	ev := models.CanonicalEvent{
		Title:          "Concert de jazz",
		Description:    strings.Repeat("a", 500),
		Start:          time.Date(2025, 3, 15, 19, 0, 0, 0, time.UTC),
		VenueName:      "Sunset",
		City:           "Paris",
		Arrondissement: &arr,
		PriceBucket:    models.PriceCheap,
		Categories:     []models.Category{"music", models.Uncategorized},
	}

	text := index.DocumentText(ev)
	require.Contains(t, text, "Concert de jazz")
	require.Contains(t, text, "Lieu: Sunset, Paris 1er")
	require.Contains(t, text, "Date: 2025-03-15 20:00")
	require.Contains(t, text, "Catégories: music\n")
	require.Contains(t, text, "Prix: cheap")
	require.NotContains(t, text, strings.Repeat("a", 301))
}
