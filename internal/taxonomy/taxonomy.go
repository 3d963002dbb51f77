// Package taxonomy holds the fixed event taxonomy and the lexical tables
// (category synonyms, price keywords, language markers, temporal phrases)
// shared by the normalizer and the query processor.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DeafMist/agendaflow/internal/models"
)

//go:embed taxonomy.yaml
var defaultDocument []byte

type document struct {
	Categories []struct {
		Name   string   `yaml:"name"`
		Source []string `yaml:"source"`
		Query  []string `yaml:"query"`
	} `yaml:"categories"`
	Price struct {
		Free       []string `yaml:"free"`
		FreeSource []string `yaml:"free_source"`
		Cheap      []string `yaml:"cheap"`
		Currency   []string `yaml:"currency"`
	} `yaml:"price"`
	Language map[string][]string `yaml:"language"`
	Temporal []struct {
		Resolver string   `yaml:"resolver"`
		Phrases  []string `yaml:"phrases"`
	} `yaml:"temporal"`
	Weekdays map[string][]string `yaml:"weekdays"`
	Months   map[string][]string `yaml:"months"`
}

// Entry is one taxonomy category with its folded synonym phrases.
type Entry struct {
	Name   models.Category
	Source []Phrase
	Query  []Phrase
}

// TemporalRule binds a phrase to a named date resolver.
type TemporalRule struct {
	Resolver string
	Phrase   Phrase
}

// Taxonomy is the parsed, folded form of the tables. It is immutable after
// Parse and safe for concurrent use.
type Taxonomy struct {
	Entries    []Entry
	FreeWords  []Phrase
	FreeSource []Phrase
	CheapWords []Phrase
	Currency   map[string]struct{}
	Markers    map[models.Language]map[string]struct{}
	Temporal   []TemporalRule
	Weekdays   map[string]time.Weekday
	Months     map[string]time.Month
}

var (
	defaultOnce sync.Once
	defaultTax  *Taxonomy
)

// Default returns the embedded taxonomy.
func Default() *Taxonomy {
	defaultOnce.Do(func() {
		t, err := Parse(defaultDocument)
		if err != nil {
			panic(fmt.Sprintf("embedded taxonomy: %v", err))
		}
		defaultTax = t
	})
	return defaultTax
}

// Load reads a taxonomy file, or returns the embedded one when path is empty.
func Load(path string) (*Taxonomy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML taxonomy document.
func Parse(data []byte) (*Taxonomy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("taxonomy has no categories")
	}

	t := &Taxonomy{
		FreeWords:  phrases(doc.Price.Free),
		FreeSource: phrases(doc.Price.FreeSource),
		CheapWords: phrases(doc.Price.Cheap),
		Currency:   make(map[string]struct{}),
		Markers:    make(map[models.Language]map[string]struct{}),
		Weekdays:   make(map[string]time.Weekday),
		Months:     make(map[string]time.Month),
	}

	seen := make(map[models.Category]struct{}, len(doc.Categories))
	for _, c := range doc.Categories {
		name := models.Category(Fold(strings.TrimSpace(c.Name)))
		if name == "" {
			return nil, fmt.Errorf("taxonomy category without name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate taxonomy category %q", name)
		}
		seen[name] = struct{}{}
		// a category name always maps to itself
		source := append([]string{string(name)}, c.Source...)
		t.Entries = append(t.Entries, Entry{
			Name:   name,
			Source: phrases(source),
			Query:  phrases(c.Query),
		})
	}

	for _, cur := range doc.Price.Currency {
		t.Currency[Fold(cur)] = struct{}{}
	}

	for lang, words := range doc.Language {
		l := models.Language(lang)
		if !l.Valid() {
			return nil, fmt.Errorf("unsupported marker language %q", lang)
		}
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			for _, tok := range NewPhrase(w) {
				set[tok] = struct{}{}
			}
		}
		t.Markers[l] = set
	}

	for _, rule := range doc.Temporal {
		for _, p := range phrases(rule.Phrases) {
			t.Temporal = append(t.Temporal, TemporalRule{Resolver: rule.Resolver, Phrase: p})
		}
	}
	// longest phrase first so "next weekend" wins over "weekend"
	sort.SliceStable(t.Temporal, func(i, j int) bool {
		return len(t.Temporal[i].Phrase) > len(t.Temporal[j].Phrase)
	})

	for name, words := range doc.Weekdays {
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		for _, w := range words {
			t.Weekdays[Fold(w)] = wd
		}
	}
	for name, words := range doc.Months {
		m, ok := monthNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown month %q", name)
		}
		for _, w := range words {
			t.Months[Fold(w)] = m
		}
	}

	return t, nil
}

// Has reports whether c belongs to the taxonomy (uncategorized included).
func (t *Taxonomy) Has(c models.Category) bool {
	if c == models.Uncategorized {
		return true
	}
	for _, e := range t.Entries {
		if e.Name == c {
			return true
		}
	}
	return false
}

// MapSourceTerm maps one source category or tag onto taxonomy values. The
// result is empty when the term is unknown.
func (t *Taxonomy) MapSourceTerm(term string) []models.Category {
	tokens := Tokenize(Fold(term))
	if len(tokens) == 0 {
		return nil
	}
	var out []models.Category
	for _, e := range t.Entries {
		for _, p := range e.Source {
			if _, _, ok := p.Find(tokens, true); ok {
				out = append(out, e.Name)
				break
			}
		}
	}
	return out
}

// QueryCategory returns the first category, in taxonomy order, with a query
// synonym present in tokens, plus the matched token range.
func (t *Taxonomy) QueryCategory(tokens []Token) (models.Category, int, int, bool) {
	for _, e := range t.Entries {
		for _, p := range e.Query {
			if from, to, ok := p.Find(tokens, true); ok {
				return e.Name, from, to, true
			}
		}
	}
	return "", 0, 0, false
}

func phrases(raw []string) []Phrase {
	out := make([]Phrase, 0, len(raw))
	for _, r := range raw {
		if p := NewPhrase(r); len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}
