package processing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

// Price thresholds in euros for the lowest advertised rate.
const (
	cheapBelow  = 10.0
	mediumBelow = 30.0
)

var (
	amountRegex  = regexp.MustCompile(`\d+(?:[.,]\d{1,2})?`)
	numericRegex = regexp.MustCompile(`^[\d\s.,€\-–/àa]+$`)
)

// BucketAmount classifies a price in euros.
func BucketAmount(amount float64) models.PriceBucket {
	switch {
	case amount < 0:
		return models.PriceUnknown
	case amount == 0:
		return models.PriceFree
	case amount < cheapBelow:
		return models.PriceCheap
	case amount < mediumBelow:
		return models.PriceMedium
	default:
		return models.PriceHigh
	}
}

// ParsePrice buckets a free-form price value. Values that cannot be read
// resolve to unknown rather than being dropped.
func ParsePrice(tax *taxonomy.Taxonomy, v any) models.PriceBucket {
	switch t := v.(type) {
	case nil:
		return models.PriceUnknown
	case bool:
		if t {
			return models.PriceFree
		}
		return models.PriceUnknown
	case string:
		return parsePriceText(tax, t)
	case map[string]any, []any:
		if s, ok := asString(t); ok {
			return parsePriceText(tax, s)
		}
		return models.PriceUnknown
	default:
		if f, ok := asNumber(t); ok {
			return BucketAmount(f)
		}
		return models.PriceUnknown
	}
}

func parsePriceText(tax *taxonomy.Taxonomy, raw string) models.PriceBucket {
	folded := taxonomy.Fold(StripHTML(raw))
	if folded == "" {
		return models.PriceUnknown
	}
	if b := models.PriceBucket(folded); b.Valid() {
		return b
	}

	tokens := taxonomy.Tokenize(folded)
	for _, group := range [][]taxonomy.Phrase{tax.FreeWords, tax.FreeSource} {
		for _, p := range group {
			if _, _, ok := p.Find(tokens, true); ok {
				return models.PriceFree
			}
		}
	}

	if !hasCurrency(tax, folded, tokens) && !numericRegex.MatchString(folded) {
		return models.PriceUnknown
	}

	lowest := -1.0
	for _, m := range amountRegex.FindAllString(folded, -1) {
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
		if err != nil {
			continue
		}
		if lowest < 0 || f < lowest {
			lowest = f
		}
	}
	if lowest < 0 {
		return models.PriceUnknown
	}
	return BucketAmount(lowest)
}

func hasCurrency(tax *taxonomy.Taxonomy, folded string, tokens []taxonomy.Token) bool {
	if strings.Contains(folded, "€") {
		return true
	}
	for _, tok := range tokens {
		if _, ok := tax.Currency[tok.Text]; ok {
			return true
		}
		// "15eur", "12euros"
		trimmed := strings.TrimLeft(tok.Text, "0123456789.,")
		if trimmed != tok.Text {
			if _, ok := tax.Currency[trimmed]; ok {
				return true
			}
		}
	}
	return false
}
