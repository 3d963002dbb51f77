package processing

import (
	"regexp"
	"strconv"

	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

var (
	postalRegex   = regexp.MustCompile(`\b75(0\d{2}|116)\b`)
	ordinalRegex  = regexp.MustCompile(`^(\d{1,2})\s*(?:e|eme|er|ere|ieme)?(?:\s*(?:arrondissement|arrdt|arr)\.?)?$`)
	addressRegex  = regexp.MustCompile(`\b(\d{1,2})\s*(?:e|eme|er|ere|ieme)\s+(?:arrondissement|arrdt|arr)\b`)
	parisNumRegex = regexp.MustCompile(`\bparis\s+(\d{1,2})(?:e|eme|er)?\b`)
)

// ValidArrondissement reports whether n is a Paris arrondissement number.
func ValidArrondissement(n int) bool {
	return n >= 1 && n <= 20
}

// ParseArrondissement reads an arrondissement from a field value such as
// "11", "11e", "1er arrondissement" or a postal code like "75011".
func ParseArrondissement(raw string) (int, bool) {
	s := taxonomy.Fold(CollapseWhitespace(raw))
	if m := postalRegex.FindStringSubmatch(s); m != nil && len(s) == 5 {
		return postalToArrondissement(m[1])
	}
	if m := ordinalRegex.FindStringSubmatch(s); m != nil {
		return checkedAtoi(m[1])
	}
	return ArrondissementFromText(s)
}

// ArrondissementFromText finds an arrondissement mention inside an address.
func ArrondissementFromText(raw string) (int, bool) {
	s := taxonomy.Fold(raw)
	if m := postalRegex.FindStringSubmatch(s); m != nil {
		return postalToArrondissement(m[1])
	}
	if m := addressRegex.FindStringSubmatch(s); m != nil {
		return checkedAtoi(m[1])
	}
	if m := parisNumRegex.FindStringSubmatch(s); m != nil {
		return checkedAtoi(m[1])
	}
	return 0, false
}

func postalToArrondissement(suffix string) (int, bool) {
	if suffix == "116" {
		return 16, true
	}
	return checkedAtoi(suffix[1:])
}

func checkedAtoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || !ValidArrondissement(n) {
		return 0, false
	}
	return n, true
}
