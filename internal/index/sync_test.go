package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/index"
)

func TestStoreSync(t *testing.T) {
	s, err := index.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	h := index.NewHolder()

	g, loaded, err := s.Sync(h)
	require.NoError(t, err)
	require.False(t, loaded)
	require.Nil(t, g)

	first := buildSample(t, 3)
	require.NoError(t, s.Save(first))

	g, loaded, err = s.Sync(h)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, first.ID(), g.ID())

	_, loaded, err = s.Sync(h)
	require.NoError(t, err)
	require.False(t, loaded)

	cur, err := h.Current()
	require.NoError(t, err)
	require.Equal(t, first.ID(), cur.ID())
}

func TestStoreWatchPicksUpNewGeneration(t *testing.T) {
	s, err := index.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	h := index.NewHolder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded := make(chan string, 1)
	go s.Watch(ctx, h, 5*time.Millisecond, func(g *index.Generation) {
		select {
		case loaded <- g.ID():
		default:
		}
	})

	g := buildSample(t, 2)
	require.NoError(t, s.Save(g))

	select {
	case id := <-loaded:
		require.Equal(t, g.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not loaded")
	}
}
