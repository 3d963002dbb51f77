package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

// FileSource reads JSON dumps from a directory. A .json file holds an array
// of events or an object with an "events" array; a .jsonl file holds one
// event per line.
type FileSource struct {
	dir string
	log *slog.Logger
}

func NewFileSource(dir string, log *slog.Logger) *FileSource {
	return &FileSource{dir: dir, log: log}
}

func (s *FileSource) Name() string { return "file" }

// Fetch reads every dump in lexical file order. With Since set, records
// carrying an update time older than Since are skipped.
func (s *FileSource) Fetch(ctx context.Context, opts FetchOptions) ([]models.RawEvent, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".jsonl", ".ndjson":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []models.RawEvent
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := readDump(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		kept := 0
		for _, ev := range events {
			if opts.Since != nil && updatedBefore(ev, *opts.Since) {
				continue
			}
			out = append(out, ev)
			kept++
		}
		s.log.Debug("source file read", slog.String("file", name), slog.Int("events", kept))
	}
	return out, nil
}

func readDump(path string) ([]models.RawEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jsonl" || ext == ".ndjson" {
		return readLines(data)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var events []models.RawEvent
		if err := decodeNumbers(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var wrapped struct {
		Events []models.RawEvent `json:"events"`
	}
	if err := decodeNumbers(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Events, nil
}

func readLines(data []byte) ([]models.RawEvent, error) {
	var out []models.RawEvent
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev models.RawEvent
		if err := decodeNumbers(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func updatedBefore(ev models.RawEvent, since time.Time) bool {
	for _, key := range []string{"updatedAt", "updated_at"} {
		s, ok := ev[key].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.Before(since)
		}
	}
	return false
}
