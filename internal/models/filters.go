package models

import "time"

// Language of a question and of the generated answer.
type Language string

const (
	LanguageFrench  Language = "fr"
	LanguageEnglish Language = "en"
)

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return l == LanguageFrench || l == LanguageEnglish
}

// DateRange is the half-open interval [From, To). A zero bound is open.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Overlaps reports whether [start, end] intersects the range.
func (r DateRange) Overlaps(start, end time.Time) bool {
	if !r.To.IsZero() && !start.Before(r.To) {
		return false
	}
	if !r.From.IsZero() && end.Before(r.From) {
		return false
	}
	return true
}

// QueryFilters are the structured constraints extracted from a question.
// A nil field means no constraint.
type QueryFilters struct {
	Dates          *DateRange   `json:"dates,omitempty"`
	Category       *Category    `json:"category,omitempty"`
	Price          *PriceBucket `json:"price,omitempty"`
	Arrondissement *int         `json:"arrondissement,omitempty"`
	Language       Language     `json:"language"`
}
