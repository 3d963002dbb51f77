package source_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/source"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileSourceReadsAllFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[{"uid": 1, "title": "Jazz"}, {"uid": 2, "title": "Opéra"}]`)
	writeFile(t, dir, "b.json", `{"events": [{"uid": 3, "title": "Expo"}]}`)
	writeFile(t, dir, "c.jsonl", "{\"uid\": 4}\n\n{\"uid\": 5}\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	src := source.NewFileSource(dir, logger.Discard())
	require.Equal(t, "file", src.Name())

	events, err := src.Fetch(context.Background(), source.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 5)

	uids := make([]json.Number, 0, len(events))
	for _, ev := range events {
		uids = append(uids, ev["uid"].(json.Number))
	}
	require.Equal(t, []json.Number{"1", "2", "3", "4", "5"}, uids)
	require.Equal(t, "Opéra", events[1]["title"])
}

func TestFileSourceSince(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "events.json", `[
		{"uid": 1, "updatedAt": "2025-03-01T10:00:00Z"},
		{"uid": 2, "updatedAt": "2025-03-11T10:00:00Z"},
		{"uid": 3, "updated_at": "2025-03-12T08:00:00+01:00"},
		{"uid": 4}
	]`)

	since := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	events, err := source.NewFileSource(dir, logger.Discard()).Fetch(context.Background(), source.FetchOptions{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, json.Number("2"), events[0]["uid"])
	require.Equal(t, json.Number("4"), events[2]["uid"])
}

func TestFileSourceErrors(t *testing.T) {
	_, err := source.NewFileSource(filepath.Join(t.TempDir(), "missing"), logger.Discard()).
		Fetch(context.Background(), source.FetchOptions{})
	require.Error(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "broken.jsonl", "{\"uid\": 1}\n{oops\n")
	_, err = source.NewFileSource(dir, logger.Discard()).Fetch(context.Background(), source.FetchOptions{})
	require.ErrorContains(t, err, "broken.jsonl")
	require.ErrorContains(t, err, "line 2")
}

func TestFileSourceHonoursContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[]`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := source.NewFileSource(dir, logger.Discard()).Fetch(ctx, source.FetchOptions{})
	require.ErrorIs(t, err, context.Canceled)
}
