package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

// validated is the typed form of Overrides.
type validated struct {
	from, to       *time.Time
	category       *models.Category
	price          *models.PriceBucket
	arrondissement *int
	language       models.Language
}

func (p *Processor) validateOverrides(o Overrides) (validated, error) {
	var v validated

	if o.From != nil && o.To != nil && !o.To.After(*o.From) {
		return v, &models.FilterConflictError{Field: "dates", Reason: "to_date must be after from_date"}
	}
	v.from, v.to = o.From, o.To

	if raw := strings.TrimSpace(o.Category); raw != "" {
		c := models.Category(taxonomy.Fold(raw))
		if !p.tax.Has(c) {
			return v, &models.FilterConflictError{Field: "category", Reason: fmt.Sprintf("unknown category %q", raw)}
		}
		v.category = &c
	}

	if raw := strings.TrimSpace(o.Price); raw != "" {
		b := models.PriceBucket(strings.ToLower(raw))
		if !b.Valid() {
			return v, &models.FilterConflictError{Field: "price", Reason: fmt.Sprintf("unknown price bucket %q", raw)}
		}
		v.price = &b
	}

	if o.Arrondissement != nil {
		if !processing.ValidArrondissement(*o.Arrondissement) {
			return v, &models.FilterConflictError{Field: "arrondissement", Reason: "must be between 1 and 20"}
		}
		a := *o.Arrondissement
		v.arrondissement = &a
	}

	if raw := strings.TrimSpace(o.Language); raw != "" {
		l := models.Language(strings.ToLower(raw))
		if !l.Valid() {
			return v, &models.FilterConflictError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", raw)}
		}
		v.language = l
	}
	return v, nil
}

// apply overwrites inferred fields. Either date bound replaces the inferred
// range as a whole.
func (v validated) apply(f *models.QueryFilters) {
	if v.from != nil || v.to != nil {
		r := models.DateRange{}
		if v.from != nil {
			r.From = v.from.UTC()
		}
		if v.to != nil {
			r.To = v.to.UTC()
		}
		f.Dates = &r
	}
	if v.category != nil {
		f.Category = v.category
	}
	if v.price != nil {
		f.Price = v.price
	}
	if v.arrondissement != nil {
		f.Arrondissement = v.arrondissement
	}
	if v.language != "" {
		f.Language = v.language
	}
}
