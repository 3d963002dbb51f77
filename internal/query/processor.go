// Package query turns a free-text question into structured filters and a
// residual semantic query.
package query

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// Overrides are caller-supplied filters. Set fields win over anything
// inferred from the question.
type Overrides struct {
	From           *time.Time
	To             *time.Time
	Category       string
	Price          string
	Arrondissement *int
	Language       string
}

// Parsed is the outcome of Parse.
type Parsed struct {
	Filters  models.QueryFilters
	Semantic string
	Original string
}

// Processor parses questions. It holds no mutable state.
type Processor struct {
	tax             *taxonomy.Taxonomy
	loc             *time.Location
	defaultLanguage models.Language
}

// NewProcessor builds a processor. A nil taxonomy selects the embedded one
// and an invalid language falls back to French.
func NewProcessor(tax *taxonomy.Taxonomy, defaultLanguage models.Language) *Processor {
	if tax == nil {
		tax = taxonomy.Default()
	}
	if !defaultLanguage.Valid() {
		defaultLanguage = models.LanguageFrench
	}
	return &Processor{tax: tax, loc: models.Paris, defaultLanguage: defaultLanguage}
}

// span is a byte range [start, end) of the folded question.
type span struct {
	start, end int
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

func tokenSpan(tokens []taxonomy.Token, from, to int) span {
	return span{start: tokens[from].Start, end: tokens[to-1].End}
}

// Parse extracts filters from question relative to now. Invalid overrides
// fail with *models.FilterConflictError before anything else is done.
func (p *Processor) Parse(question string, o Overrides, now time.Time) (Parsed, error) {
	ov, err := p.validateOverrides(o)
	if err != nil {
		return Parsed{}, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Parsed{}, ErrEmptyQuestion
	}

	folded, origin := taxonomy.FoldWithOffsets(question)
	tokens := taxonomy.Tokenize(folded)

	var (
		filters models.QueryFilters
		removed []span
	)

	filters.Language = p.detectLanguage(question, tokens)

	dates, dateSpans := p.temporal(folded, tokens, now)
	if dates != nil {
		filters.Dates = dates
		removed = append(removed, dateSpans...)
	}
	masked := maskTokens(tokens, dateSpans)

	if price, s, ok := p.price(masked); ok {
		filters.Price = &price
		removed = append(removed, s)
	}
	if cat, _, _, ok := p.tax.QueryCategory(masked); ok {
		filters.Category = &cat
	}
	if arr, s, ok := findArrondissement(maskText(folded, dateSpans)); ok {
		filters.Arrondissement = &arr
		removed = append(removed, s)
	}

	ov.apply(&filters)

	return Parsed{
		Filters:  filters,
		Semantic: residual(question, origin, removed),
		Original: question,
	}, nil
}

// temporal resolves the first date expression: absolute dates, then
// relative phrases, then weekday names.
func (p *Processor) temporal(folded string, tokens []taxonomy.Token, now time.Time) (*models.DateRange, []span) {
	if mentions := findDates(p.tax, folded, now, p.loc); len(mentions) > 0 {
		first, last := mentions[0], mentions[len(mentions)-1]
		to := addDays(first.day, 1)
		if last.day.After(first.day) {
			to = addDays(last.day, 1)
		}
		spans := make([]span, 0, len(mentions))
		for _, m := range mentions {
			spans = append(spans, m.span)
		}
		r := between(first.day, to)
		return &r, spans
	}

	for _, rule := range p.tax.Temporal {
		from, to, ok := rule.Phrase.Find(tokens, false)
		if !ok {
			continue
		}
		if r, ok := resolveRelative(rule.Resolver, now, p.loc); ok {
			return &r, []span{tokenSpan(tokens, from, to)}
		}
	}

	for i, tok := range tokens {
		wd, ok := p.tax.Weekdays[tok.Text]
		if !ok {
			continue
		}
		from, to, strict := i, i+1, false
		if i > 0 {
			switch tokens[i-1].Text {
			case "next":
				from, strict = i-1, true
			case "ce", "this", "on", "le":
				from = i - 1
			}
		}
		if to < len(tokens) && (tokens[to].Text == "prochain" || tokens[to].Text == "next") {
			to, strict = to+1, true
		}
		day := nextWeekday(midnight(now, p.loc), wd, strict)
		r := between(day, addDays(day, 1))
		return &r, []span{tokenSpan(tokens, from, to)}
	}
	return nil, nil
}

func (p *Processor) price(tokens []taxonomy.Token) (models.PriceBucket, span, bool) {
	for _, phrase := range p.tax.FreeWords {
		if from, to, ok := phrase.Find(tokens, true); ok {
			return models.PriceFree, tokenSpan(tokens, from, to), true
		}
	}
	for _, phrase := range p.tax.CheapWords {
		if from, to, ok := phrase.Find(tokens, true); ok {
			return models.PriceCheap, tokenSpan(tokens, from, to), true
		}
	}
	return "", span{}, false
}

const frenchLetters = "éèêëàâäçùûüôöîïÿœæÉÈÊÀÂÇÙÛÔÎŒ"

// detectLanguage counts French and English marker words; French diacritics
// add one French point. Ties go to the default language.
func (p *Processor) detectLanguage(original string, tokens []taxonomy.Token) models.Language {
	fr, en := 0, 0
	for _, tok := range tokens {
		if _, ok := p.tax.Markers[models.LanguageFrench][tok.Text]; ok {
			fr++
		}
		if _, ok := p.tax.Markers[models.LanguageEnglish][tok.Text]; ok {
			en++
		}
	}
	if strings.ContainsAny(original, frenchLetters) {
		fr++
	}
	switch {
	case fr > en:
		return models.LanguageFrench
	case en > fr:
		return models.LanguageEnglish
	default:
		return p.defaultLanguage
	}
}

var (
	arrPostalRe  = regexp.MustCompile(`\b75(0\d{2}|116)\b`)
	arrEnglishRe = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)\s+(?:arrondissement|arrdt|arr|district)\b`)
	arrPrefixRe  = regexp.MustCompile(`\b(?:arrondissement|arrdt|arr|district)\.?\s+(?:n\s*)?(\d{1,2})\b`)
	arrOrdinalRe = regexp.MustCompile(`\b(\d{1,2})(?:ᵉ|(?:er|ere|eme|ieme|e)\b)(?:\s*(?:arrondissement|arrdt|arr)\b\.?)?`)
	arrParisRe   = regexp.MustCompile(`\bparis\s+(\d{1,2})\b`)
)

// findArrondissement looks for an arrondissement mention. Numbers outside
// 1-20 are ignored.
func findArrondissement(folded string) (int, span, bool) {
	for _, m := range arrPostalRe.FindAllStringSubmatchIndex(folded, -1) {
		suffix := folded[m[2]:m[3]]
		n := 16
		if suffix != "116" {
			n, _ = strconv.Atoi(suffix[1:])
		}
		if processing.ValidArrondissement(n) {
			return n, span{m[0], m[1]}, true
		}
	}
	for _, re := range []*regexp.Regexp{arrEnglishRe, arrPrefixRe, arrOrdinalRe, arrParisRe} {
		for _, m := range re.FindAllStringSubmatchIndex(folded, -1) {
			n, err := strconv.Atoi(folded[m[2]:m[3]])
			if err == nil && processing.ValidArrondissement(n) {
				return n, span{m[0], m[1]}, true
			}
		}
	}
	return 0, span{}, false
}

// maskTokens blanks the tokens covered by spans so that phrase matching
// skips them.
func maskTokens(tokens []taxonomy.Token, spans []span) []taxonomy.Token {
	out := append([]taxonomy.Token(nil), tokens...)
	for i, tok := range out {
		ts := span{tok.Start, tok.End}
		for _, s := range spans {
			if s.overlaps(ts) {
				out[i].Text = ""
				break
			}
		}
	}
	return out
}

// maskText replaces the bytes covered by spans with spaces.
func maskText(s string, spans []span) string {
	if len(spans) == 0 {
		return s
	}
	b := []byte(s)
	for _, sp := range spans {
		for i := sp.start; i < sp.end; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

// residual cuts the removed spans out of the original question. An empty
// residual falls back to the whole question.
func residual(question string, origin []int, removed []span) string {
	if len(removed) == 0 {
		return processing.CollapseWhitespace(question)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].start < removed[j].start })

	var b strings.Builder
	pos := 0
	for _, s := range removed {
		start, end := origin[s.start], origin[s.end]
		if start > pos {
			b.WriteString(question[pos:start])
		}
		b.WriteByte(' ')
		pos = max(pos, end)
	}
	b.WriteString(question[pos:])

	out := strings.Trim(processing.CollapseWhitespace(b.String()), " ,;:-")
	if strings.Trim(out, " ?!.") == "" {
		return processing.CollapseWhitespace(question)
	}
	return out
}
