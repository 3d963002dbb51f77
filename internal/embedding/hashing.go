package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

// DefaultDimension matches common multilingual sentence encoders.
const DefaultDimension = 768

// Hashing is a deterministic local embedder based on signed feature hashing
// of folded words and character trigrams. Accent folding puts French and
// English spellings of shared words in the same buckets.
type Hashing struct {
	dim       int
	stopwords map[string]struct{}
}

// NewHashing returns a hashing embedder with dim buckets.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Hashing{dim: dim, stopwords: defaultStopwords()}
}

func (h *Hashing) Name() string   { return "hashing" }
func (h *Hashing) Dimension() int { return h.dim }

// Embed never fails apart from context cancellation.
func (h *Hashing) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(Prefix(mode) + text)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	counts := make(map[string]float64)
	for _, tok := range taxonomy.Tokenize(taxonomy.Fold(text)) {
		word := tok.Text
		if _, stop := h.stopwords[word]; stop {
			continue
		}
		counts["w:"+word]++
		padded := "^" + word + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			counts["t:"+string(runes[i:i+3])] += 0.5
		}
	}
	for feature, c := range counts {
		idx, sign := h.bucket(feature)
		vec[idx] += sign * float32(1+math.Log(c))
	}
	return vec
}

func (h *Hashing) bucket(feature string) (int, float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	sign := float32(1)
	if sum>>63 == 1 {
		sign = -1
	}
	return int(sum % uint64(h.dim)), sign
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		// en
		"a", "an", "the", "and", "or", "for", "to", "of", "in", "on", "at", "by", "with", "is", "are",
		"it", "this", "that", "these", "those", "from", "any", "some", "me", "i", "what", "which",
		// fr
		"le", "la", "les", "un", "une", "des", "du", "de", "d", "l", "et", "ou", "pour", "avec", "dans",
		"sur", "au", "aux", "ce", "cette", "ces", "qui", "que", "quoi", "quel", "quels", "quelle",
		"quelles", "est", "sont", "y", "a", "je", "on",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
