package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

const (
	generationsDir = "generations"
	currentFile    = "CURRENT"
	tmpPrefix      = ".tmp-"

	indexFile    = "index.bin"
	docstoreFile = "docstore.json"
	idmapFile    = "idmap.json"
	manifestFile = "manifest.json"

	indexVersion uint32 = 1
	headerSize          = 16

	// StaleTmpAge is how old a temporary directory must be before Prune
	// treats it as abandoned.
	StaleTmpAge = time.Hour
)

var indexMagic = [4]byte{'A', 'F', 'I', 'X'}

// ErrNoGeneration is returned when the store has no current generation.
var ErrNoGeneration = errors.New("no generation stored")

// Store persists generations under dir:
//
//	CURRENT                       id of the active generation
//	generations/<id>/index.bin     vectors
//	generations/<id>/docstore.json events by id
//	generations/<id>/idmap.json    row -> event id
//	generations/<id>/manifest.json
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore opens (and creates) a store rooted at dir.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("index dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, generationsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) generationPath(id string) string {
	return filepath.Join(s.dir, generationsDir, id)
}

// Save writes every artifact of g and then points CURRENT at it. A crash
// before the final rename leaves the previous generation active.
func (s *Store) Save(g *Generation) error {
	id := g.Manifest.ID
	if err := validID(id); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(filepath.Join(s.dir, generationsDir), tmpPrefix+id+"-")
	if err != nil {
		return fmt.Errorf("create generation dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if err := writeFileSync(filepath.Join(tmp, indexFile), func(w io.Writer) error {
		return writeVectors(w, g.Index)
	}); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", indexFile, err)
	}
	for name, v := range map[string]any{
		docstoreFile: g.Docs,
		idmapFile:    g.IDMap,
		manifestFile: g.Manifest,
	} {
		if err := writeJSON(filepath.Join(tmp, name), v); err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := os.Rename(tmp, s.generationPath(id)); err != nil {
		cleanup()
		return fmt.Errorf("publish generation dir: %w", err)
	}
	if err := s.setCurrent(id); err != nil {
		return err
	}

	s.log.Info("generation saved",
		slog.String("generation_id", id),
		slog.Int("events", g.Size()),
		slog.String("dir", s.generationPath(id)),
	)
	return nil
}

func (s *Store) setCurrent(id string) error {
	f, err := os.CreateTemp(s.dir, tmpPrefix+currentFile+"-")
	if err != nil {
		return fmt.Errorf("create pointer file: %w", err)
	}
	name := f.Name()
	if _, err := f.WriteString(id + "\n"); err != nil {
		f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write pointer file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("sync pointer file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close pointer file: %w", err)
	}
	if err := os.Rename(name, filepath.Join(s.dir, currentFile)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("swap pointer file: %w", err)
	}
	return nil
}

// CurrentID returns the id CURRENT points at, or ErrNoGeneration.
func (s *Store) CurrentID() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoGeneration
	}
	if err != nil {
		return "", fmt.Errorf("read pointer file: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoGeneration
	}
	return id, nil
}

// LoadCurrent loads the generation CURRENT points at.
func (s *Store) LoadCurrent() (*Generation, error) {
	id, err := s.CurrentID()
	if err != nil {
		return nil, err
	}
	return s.Load(id)
}

// Load reads a generation and checks its artifacts agree with each other.
func (s *Store) Load(id string) (*Generation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dir := s.generationPath(id)

	var manifest Manifest
	if err := readJSON(filepath.Join(dir, manifestFile), &manifest); err != nil {
		return nil, fmt.Errorf("load generation %s: %w", id, err)
	}
	var idmap []string
	if err := readJSON(filepath.Join(dir, idmapFile), &idmap); err != nil {
		return nil, fmt.Errorf("load generation %s: %w", id, err)
	}
	docs := make(map[string]models.CanonicalEvent)
	if err := readJSON(filepath.Join(dir, docstoreFile), &docs); err != nil {
		return nil, fmt.Errorf("load generation %s: %w", id, err)
	}
	flat, err := readVectorsFile(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("load generation %s: %w", id, err)
	}

	if flat.Len() != len(idmap) || len(docs) != len(idmap) || manifest.Count != len(idmap) {
		return nil, fmt.Errorf("load generation %s: inconsistent artifacts: %d vectors, %d ids, %d docs, manifest count %d",
			id, flat.Len(), len(idmap), len(docs), manifest.Count)
	}
	for row, docID := range idmap {
		ev, ok := docs[docID]
		if !ok {
			return nil, fmt.Errorf("load generation %s: id %q missing from docstore", id, docID)
		}
		ev.Seq = row
		docs[docID] = ev
	}

	return &Generation{Manifest: manifest, Index: flat, Docs: docs, IDMap: idmap}, nil
}

// List returns the manifests of stored generations, newest first.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, generationsDir))
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]Manifest, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		var m Manifest
		if err := readJSON(filepath.Join(s.generationPath(e.Name()), manifestFile), &m); err != nil {
			s.log.Warn("skip unreadable generation", slog.String("generation_id", e.Name()), slog.Any("err", err))
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune removes all but the newest keep generations and temporary
// directories older than StaleTmpAge. The current generation and anything
// created after it are never removed, so a concurrent Save is safe.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}

	root := filepath.Join(s.dir, generationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	cutoff := time.Now().Add(-StaleTmpAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return nil, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}

	current, err := s.CurrentID()
	if errors.Is(err, ErrNoGeneration) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var active Manifest
	if err := readJSON(filepath.Join(s.generationPath(current), manifestFile), &active); err != nil {
		return nil, fmt.Errorf("read current manifest: %w", err)
	}

	manifests, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	slots := keep - 1
	for _, m := range manifests {
		if m.ID == current || !m.CreatedAt.Before(active.CreatedAt) {
			continue
		}
		if slots > 0 {
			slots--
			continue
		}
		if err := os.RemoveAll(s.generationPath(m.ID)); err != nil {
			return removed, fmt.Errorf("remove generation %s: %w", m.ID, err)
		}
		removed = append(removed, m.ID)
	}
	if len(removed) > 0 {
		s.log.Info("generations pruned", slog.Int("removed", len(removed)), slog.Int("keep", keep))
	}
	return removed, nil
}

func validID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid generation id %q", id)
	}
	return nil
}

func writeFileSync(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	return writeFileSync(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

type vectorHeader struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint32
}

func writeVectors(w io.Writer, f *FlatIndex) error {
	hdr := vectorHeader{Magic: indexMagic, Version: indexVersion, Dim: uint32(f.dim), Count: uint32(f.Len())}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, f.data)
}

func readVectorsFile(path string) (*FlatIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	return readVectors(bufio.NewReader(file), info.Size())
}

func readVectors(r io.Reader, size int64) (*FlatIndex, error) {
	var hdr vectorHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	if hdr.Magic != indexMagic {
		return nil, errors.New("not an index file")
	}
	if hdr.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", hdr.Version)
	}
	want := int64(headerSize) + 4*int64(hdr.Dim)*int64(hdr.Count)
	if size != want {
		return nil, fmt.Errorf("index file is %d bytes, header says %d", size, want)
	}

	f := &FlatIndex{dim: int(hdr.Dim), data: make([]float32, int(hdr.Dim)*int(hdr.Count))}
	if err := binary.Read(r, binary.LittleEndian, f.data); err != nil {
		return nil, fmt.Errorf("read vectors: %w", err)
	}
	return f, nil
}
