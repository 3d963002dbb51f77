package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
)

// maxDocumentDescription bounds the description part of the embedded text.
const maxDocumentDescription = 300

// BuildOptions tune a build.
type BuildOptions struct {
	BatchSize int
	Mode      models.RebuildMode
	Since     *time.Time
	Now       func() time.Time
}

// Build embeds events in document mode and assembles a new generation. The
// generation id is a fresh uuid. An empty corpus returns models.ErrEmptyCorpus.
func Build(ctx context.Context, events []models.CanonicalEvent, emb embedding.Embedder, opts BuildOptions) (*Generation, error) {
	if len(events) == 0 {
		return nil, models.ErrEmptyCorpus
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = models.RebuildFull
	}

	texts := make([]string, len(events))
	for i, ev := range events {
		texts[i] = DocumentText(ev)
	}
	vectors, err := embedding.EmbedBatched(ctx, emb, texts, embedding.ModeDocument, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	hash, err := ContentHash(events)
	if err != nil {
		return nil, err
	}

	return NewGeneration(Manifest{
		ID:             uuid.NewString(),
		CreatedAt:      opts.Now().UTC(),
		Mode:           opts.Mode,
		Since:          opts.Since,
		EmbeddingModel: emb.Name(),
		ContentHash:    hash,
	}, events, vectors)
}

// DocumentText is the passage embedded for an event.
func DocumentText(ev models.CanonicalEvent) string {
	var b strings.Builder
	b.WriteString(ev.Title)
	b.WriteString(". ")
	if ev.Description != "" {
		b.WriteString(processing.Truncate(ev.Description, maxDocumentDescription))
		b.WriteString("\n")
	}

	b.WriteString("Lieu: ")
	b.WriteString(ev.VenueName)
	if ev.City != "" {
		b.WriteString(", ")
		b.WriteString(ev.City)
	}
	if ev.Arrondissement != nil {
		b.WriteString(" ")
		b.WriteString(arrondissementLabel(*ev.Arrondissement))
	}
	b.WriteString("\n")

	b.WriteString("Date: ")
	b.WriteString(ev.Start.In(models.Paris).Format("2006-01-02 15:04"))
	b.WriteString("\n")

	cats := make([]string, 0, len(ev.Categories))
	for _, c := range ev.Categories {
		if c != models.Uncategorized {
			cats = append(cats, string(c))
		}
	}
	if len(cats) > 0 {
		b.WriteString("Catégories: ")
		b.WriteString(strings.Join(cats, ", "))
		b.WriteString("\n")
	}
	if ev.PriceBucket != models.PriceUnknown && ev.PriceBucket != "" {
		b.WriteString("Prix: ")
		b.WriteString(string(ev.PriceBucket))
	}
	return strings.TrimSpace(b.String())
}

func arrondissementLabel(n int) string {
	if n == 1 {
		return "1er"
	}
	return strconv.Itoa(n) + "e"
}

// ContentHash is the sha256 of the canonical JSON encoding of events.
func ContentHash(events []models.CanonicalEvent) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("hash event %s: %w", ev.ID, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
