package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/retrieval"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Name() string   { return "fixed" }
func (f fixedEmbedder) Dimension() int { return len(f.vec) }

func (f fixedEmbedder) Embed(_ context.Context, texts []string, _ embedding.Mode) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), f.vec...)
	}
	return out, nil
}

func unit(v ...float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	if err := embedding.Normalize(out); err != nil {
		panic(err)
	}
	return out
}

var start = time.Date(2025, 3, 15, 19, 0, 0, 0, time.UTC)

func event(id string, arr int) models.CanonicalEvent {
	a := arr
	return models.CanonicalEvent{
		ID:             id,
		Title:          "Event " + id,
		Start:          start,
		VenueName:      "Venue " + id,
		City:           "Paris",
		Arrondissement: &a,
		PriceBucket:    models.PriceFree,
		Categories:     []models.Category{"music"},
	}
}

func generation(t *testing.T, events []models.CanonicalEvent, vectors [][]float32) *index.Generation {
	t.Helper()
	g, err := index.NewGeneration(index.Manifest{ID: "gen-test"}, events, vectors)
	require.NoError(t, err)
	return g
}

func ids(res models.RetrievalResult) []string {
	out := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		out = append(out, it.Event.ID)
	}
	return out
}

// five near-duplicates close to the query and seven diverse, less relevant events
func diversityCorpus(t *testing.T) *index.Generation {
	var events []models.CanonicalEvent
	var vectors [][]float32
	for i := 0; i < 5; i++ {
		events = append(events, event(fmt.Sprintf("near-%d", i), 11))
		vectors = append(vectors, unit(0.9, 0.4359, 0.01*float64(i)))
	}
	for j := 0; j < 7; j++ {
		theta := float64(j) * math.Pi / 6
		events = append(events, event(fmt.Sprintf("far-%d", j), 11))
		vectors = append(vectors, unit(0.6, -0.8*math.Cos(theta), 0.8*math.Sin(theta)))
	}
	return generation(t, events, vectors)
}

func TestRetrievePrefersDiversity(t *testing.T) {
	g := diversityCorpus(t)
	r := retrieval.New(fixedEmbedder{vec: unit(1, 0, 0)}, retrieval.Options{}, nil)

	res, err := r.Retrieve(context.Background(), g, "jazz", models.QueryFilters{})
	require.NoError(t, err)
	require.Len(t, res.Items, 5)

	got := ids(res)
	require.Equal(t, "near-0", got[0])
	near := 0
	for _, id := range got {
		if id[:4] == "near" {
			near++
		}
	}
	require.Less(t, near, 5, "top-5 by raw score would be all near-duplicates")
}

func TestRetrieveAllFilteredOutIsEmpty(t *testing.T) {
	g := diversityCorpus(t)
	r := retrieval.New(fixedEmbedder{vec: unit(1, 0, 0)}, retrieval.Options{}, nil)
	arr := 3

	res, err := r.Retrieve(context.Background(), g, "jazz", models.QueryFilters{Arrondissement: &arr})
	require.NoError(t, err)
	require.Empty(t, res.Items)
}

func TestRetrieveReturnsFewerThanKFinal(t *testing.T) {
	events := []models.CanonicalEvent{event("a", 1), event("b", 2), event("c", 1), event("d", 1)}
	events[3].PriceBucket = models.PriceHigh
	vectors := [][]float32{unit(1, 0), unit(0.8, 0.6), unit(0.6, 0.8), unit(0, 1)}
	g := generation(t, events, vectors)
	r := retrieval.New(fixedEmbedder{vec: unit(1, 0)}, retrieval.Options{}, nil)

	arr, free := 1, models.PriceFree
	res, err := r.Retrieve(context.Background(), g, "q", models.QueryFilters{Arrondissement: &arr, Price: &free})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(res))
	require.InDelta(t, 1.0, res.Items[0].Score, 1e-6)
}

func TestRetrieveErrors(t *testing.T) {
	r := retrieval.New(fixedEmbedder{vec: unit(1, 0)}, retrieval.Options{}, nil)
	_, err := r.Retrieve(context.Background(), nil, "q", models.QueryFilters{})
	require.ErrorIs(t, err, models.ErrIndexNotReady)

	g := generation(t, []models.CanonicalEvent{event("a", 1)}, [][]float32{unit(1, 0, 0)})
	var modelErr *models.EmbeddingModelError

	_, err = r.Retrieve(context.Background(), g, "q", models.QueryFilters{})
	require.True(t, errors.As(err, &modelErr), "dimension mismatch")

	failing := retrieval.New(fixedEmbedder{err: errors.New("boom")}, retrieval.Options{}, nil)
	_, err = failing.Retrieve(context.Background(), g, "q", models.QueryFilters{})
	require.True(t, errors.As(err, &modelErr))
}

func TestMatches(t *testing.T) {
	end := start.Add(3 * time.Hour)
	ev := event("x", 11)
	ev.End = &end
	ev.Categories = []models.Category{"music", "festival"}

	music, theater := models.Category("music"), models.Category("theater")
	free, cheap := models.PriceFree, models.PriceCheap
	eleven, twelve := 11, 12

	tests := []struct {
		name string
		f    models.QueryFilters
		want bool
	}{
		{name: "no filters", f: models.QueryFilters{}, want: true},
		{name: "overlapping range", f: models.QueryFilters{Dates: &models.DateRange{From: start.Add(time.Hour), To: start.Add(24 * time.Hour)}}, want: true},
		{name: "range before", f: models.QueryFilters{Dates: &models.DateRange{From: start.Add(-48 * time.Hour), To: start}}, want: false},
		{name: "range after", f: models.QueryFilters{Dates: &models.DateRange{From: end.Add(time.Minute)}}, want: false},
		{name: "category member", f: models.QueryFilters{Category: &music}, want: true},
		{name: "category missing", f: models.QueryFilters{Category: &theater}, want: false},
		{name: "price equal", f: models.QueryFilters{Price: &free}, want: true},
		{name: "cheap is not free", f: models.QueryFilters{Price: &cheap}, want: false},
		{name: "arrondissement", f: models.QueryFilters{Arrondissement: &eleven}, want: true},
		{name: "other arrondissement", f: models.QueryFilters{Arrondissement: &twelve}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retrieval.Matches(ev, tt.f))
		})
	}

	noArr := event("y", 1)
	noArr.Arrondissement = nil
	require.False(t, retrieval.Matches(noArr, models.QueryFilters{Arrondissement: &eleven}))
}

func TestMMR(t *testing.T) {
	require.Nil(t, retrieval.MMR(nil, 5, 0.3))

	cands := []retrieval.Candidate{
		{Row: 0, Relevance: 0.5, Vector: unit(1, 0)},
		{Row: 1, Relevance: 0.9, Vector: unit(1, 0)},
		{Row: 2, Relevance: 0.7, Vector: unit(0, 1)},
	}
	got := retrieval.MMR(cands, 5, 1)
	require.Len(t, got, 3)
	require.Equal(t, []int{1, 2, 0}, []int{got[0].Row, got[1].Row, got[2].Row})

	got = retrieval.MMR(cands, 2, 0)
	require.Equal(t, 1, got[0].Row)
	require.Equal(t, 2, got[1].Row)
}

func TestOptionsLambda(t *testing.T) {
	lambda := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		in   *float64
		want float64
	}{
		{name: "unset", in: nil, want: retrieval.DefaultLambda},
		{name: "zero", in: lambda(0), want: 0},
		{name: "one", in: lambda(1), want: 1},
		{name: "negative", in: lambda(-0.1), want: retrieval.DefaultLambda},
		{name: "above one", in: lambda(1.5), want: retrieval.DefaultLambda},
		{name: "nan", in: lambda(math.NaN()), want: retrieval.DefaultLambda},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := retrieval.New(fixedEmbedder{vec: unit(1, 0)}, retrieval.Options{Lambda: tt.in}, nil)
			require.NotNil(t, r.Options().Lambda)
			require.Equal(t, tt.want, *r.Options().Lambda)
		})
	}
}

func TestRetrieveZeroLambdaRanksOnDiversity(t *testing.T) {
	events := []models.CanonicalEvent{event("a", 1), event("b", 1), event("c", 1)}
	vectors := [][]float32{unit(1, 1, 0), unit(0.7, -0.714, 0), unit(0.1, -0.3, 0.949)}
	g := generation(t, events, vectors)
	zero := 0.0

	def := retrieval.New(fixedEmbedder{vec: unit(1, 0, 0)}, retrieval.Options{KFinal: 2}, nil)
	res, err := def.Retrieve(context.Background(), g, "q", models.QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(res))

	div := retrieval.New(fixedEmbedder{vec: unit(1, 0, 0)}, retrieval.Options{KFinal: 2, Lambda: &zero}, nil)
	res, err = div.Retrieve(context.Background(), g, "q", models.QueryFilters{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(res))
}

func TestRetrieveHonorsFiltersAndRanking(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const dim = 8
	prices := []models.PriceBucket{models.PriceFree, models.PriceCheap, models.PriceMedium, models.PriceHigh, models.PriceUnknown}
	cats := []models.Category{"music", "theater", "exhibition"}

	randomVec := func() []float32 {
		v := make([]float64, dim)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		return unit(v...)
	}

	for round := 0; round < 30; round++ {
		var events []models.CanonicalEvent
		var vectors [][]float32
		for i := 0; i < 40; i++ {
			ev := event(fmt.Sprintf("r%d-e%d", round, i), rng.Intn(4)+1)
			ev.Start = start.Add(time.Duration(rng.Intn(10*24)) * time.Hour)
			ev.PriceBucket = prices[rng.Intn(len(prices))]
			ev.Categories = []models.Category{cats[rng.Intn(len(cats))]}
			events = append(events, ev)
			vectors = append(vectors, randomVec())
		}
		g := generation(t, events, vectors)

		var f models.QueryFilters
		if rng.Intn(2) == 0 {
			a := rng.Intn(4) + 1
			f.Arrondissement = &a
		}
		if rng.Intn(2) == 0 {
			p := prices[rng.Intn(len(prices))]
			f.Price = &p
		}
		if rng.Intn(2) == 0 {
			from := start.Add(time.Duration(rng.Intn(5*24)) * time.Hour)
			f.Dates = &models.DateRange{From: from, To: from.Add(72 * time.Hour)}
		}

		q := randomVec()
		r := retrieval.New(fixedEmbedder{vec: q}, retrieval.Options{}, nil)
		res, err := r.Retrieve(context.Background(), g, "q", f)
		require.NoError(t, err)

		best, filtered := math.Inf(-1), 0
		for _, h := range g.Index.Search(q, retrieval.DefaultKInitial) {
			ev, _ := g.Event(h.Row)
			if retrieval.Matches(ev, f) {
				filtered++
				best = math.Max(best, h.Score)
			}
		}

		require.Len(t, res.Items, min(retrieval.DefaultKFinal, filtered))
		for _, it := range res.Items {
			require.True(t, retrieval.Matches(it.Event, f))
		}
		if len(res.Items) > 0 {
			require.InDelta(t, best, res.Items[0].Score, 1e-9)
		}
	}
}
