// Package processing turns raw source records into canonical events.
package processing

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

const (
	// MaxDescriptionRunes bounds the stored description.
	MaxDescriptionRunes = 1000
	// MaxTitleRunes bounds the stored title.
	MaxTitleRunes = 300

	defaultCity   = "Paris"
	unknownSource = "unknown"
)

// Field aliases per canonical field. Canonical JSON names come first so that
// normalizing an already canonical event is a fixed point.
var (
	idKeys          = []string{"id", "uid", "event_id", "eventId"}
	titleKeys       = []string{"title", "name"}
	descKeys        = []string{"description", "summary"}
	longDescKeys    = []string{"longDescription", "long_description", "details"}
	startKeys       = []string{"start_datetime", "start", "begin", "dateStart", "date_start"}
	endKeys         = []string{"end_datetime", "end", "dateEnd", "date_end"}
	venueKeys       = []string{"venue_name", "venue", "locationName", "location_name"}
	arrKeys         = []string{"arrondissement", "district"}
	postalKeys      = []string{"postal_code", "postalCode", "zip"}
	addressKeys     = []string{"address", "adresse"}
	priceBucketKeys = []string{"price_bucket"}
	priceKeys       = []string{"conditions", "price", "pricing", "tarif"}
	categoryKeys    = []string{"categories", "category", "keywords", "tags", "type"}
	urlKeys         = []string{"url", "canonicalUrl", "link", "permalink"}
	sourceKeys      = []string{"source_id", "agendaUid", "agenda_uid", "source"}
)

// Normalizer validates raw records and maps them to canonical events. It is
// safe for concurrent use; the unmapped-category side list is shared.
type Normalizer struct {
	tax *taxonomy.Taxonomy

	mu       sync.Mutex
	unmapped map[string]struct{}
}

// NewNormalizer builds a normalizer over the given taxonomy.
func NewNormalizer(tax *taxonomy.Taxonomy) *Normalizer {
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Normalizer{tax: tax, unmapped: make(map[string]struct{})}
}

// Unmapped returns the source category values that matched no taxonomy entry,
// folded and sorted.
func (n *Normalizer) Unmapped() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.unmapped))
	for k := range n.unmapped {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize converts one raw record. seq is the record's ingestion order. A
// *models.MalformedInputError is returned for records that cannot be repaired.
func (n *Normalizer) Normalize(raw models.RawEvent, seq int) (models.CanonicalEvent, error) {
	if len(raw) == 0 {
		return models.CanonicalEvent{}, &models.MalformedInputError{Field: "event", Reason: "empty record"}
	}
	r := map[string]any(raw)
	location, _ := asObject(r["location"])

	ev := models.CanonicalEvent{City: defaultCity, Seq: seq}

	title, _ := pickString(r, titleKeys...)
	ev.Title = Truncate(StripHTML(title), MaxTitleRunes)
	if ev.Title == "" {
		return models.CanonicalEvent{}, &models.MalformedInputError{Field: "title", Reason: "missing or empty"}
	}

	start, end, err := n.timeWindow(r)
	if err != nil {
		return models.CanonicalEvent{}, err
	}
	ev.Start = start
	ev.End = end

	ev.VenueName = n.venue(r, location)
	if ev.VenueName == "" {
		return models.CanonicalEvent{}, &models.MalformedInputError{Field: "venue_name", Reason: "missing venue"}
	}

	ev.Description = n.description(r)
	ev.Arrondissement = n.arrondissement(r, location)
	ev.PriceBucket = n.price(r)
	ev.Categories = n.categories(r)

	if url, ok := pickString(r, urlKeys...); ok {
		ev.URL = url
	} else if urls := ExtractURLs(ev.Description); len(urls) > 0 {
		ev.URL = urls[0]
	}

	ev.SourceID = unknownSource
	if src, ok := pickString(r, sourceKeys...); ok {
		ev.SourceID = src
	}

	if id, ok := pickString(r, idKeys...); ok {
		ev.ID = id
	} else {
		ev.ID = BuildEventID(ev.Title, ev.VenueName, ev.Start)
	}

	if v, ok := r["aliases"]; ok {
		ev.Aliases = asStrings(v)
	}

	return ev, nil
}

// NormalizeAll normalizes a batch. Malformed records are logged and counted,
// and never abort the batch.
func (n *Normalizer) NormalizeAll(raws []models.RawEvent, log *slog.Logger) ([]models.CanonicalEvent, int) {
	out := make([]models.CanonicalEvent, 0, len(raws))
	rejected := 0
	for i, raw := range raws {
		ev, err := n.Normalize(raw, i)
		if err != nil {
			var malformed *models.MalformedInputError
			if errors.As(err, &malformed) && log != nil {
				log.Debug("reject event",
					slog.Int("seq", i),
					slog.String("field", malformed.Field),
					slog.String("reason", malformed.Reason),
				)
			}
			rejected++
			continue
		}
		out = append(out, ev)
	}
	return out, rejected
}

func pickString(raw map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := asString(raw[k]); ok {
			return s, true
		}
	}
	return "", false
}

func (n *Normalizer) timeWindow(r map[string]any) (time.Time, *time.Time, error) {
	var startRaw, endRaw any
	if v, ok := pick(r, startKeys...); ok {
		startRaw = v
		endRaw, _ = pick(r, endKeys...)
	} else if first, ok := firstTiming(r); ok {
		startRaw, _ = pick(first, "begin", "start")
		endRaw, _ = pick(first, "end")
	}
	if startRaw == nil {
		return time.Time{}, nil, &models.MalformedInputError{Field: "start_datetime", Reason: "missing start"}
	}

	start, err := asTime(startRaw)
	if err != nil {
		return time.Time{}, nil, &models.MalformedInputError{Field: "start_datetime", Reason: err.Error()}
	}
	if endRaw == nil {
		return start, nil, nil
	}
	end, err := asTime(endRaw)
	if err != nil || end.Before(start) {
		// an unusable end degrades to a point event
		return start, nil, nil
	}
	return start, &end, nil
}

func firstTiming(r map[string]any) (map[string]any, bool) {
	if ft, ok := asObject(r["firstTiming"]); ok {
		return ft, true
	}
	timings, ok := r["timings"].([]any)
	if !ok || len(timings) == 0 {
		return nil, false
	}
	return asObject(timings[0])
}

func (n *Normalizer) venue(r, location map[string]any) string {
	if s, ok := pickString(r, venueKeys...); ok {
		return StripHTML(s)
	}
	if s, ok := asString(r["location"]); ok && location == nil {
		return StripHTML(s)
	}
	if location != nil {
		if s, ok := pickString(location, "name", "title", "venue"); ok {
			return StripHTML(s)
		}
	}
	return ""
}

func (n *Normalizer) description(r map[string]any) string {
	short, _ := pickString(r, descKeys...)
	long, _ := pickString(r, longDescKeys...)
	short = StripHTML(short)
	long = StripHTML(long)

	text := short
	switch {
	case text == "":
		text = long
	case long != "" && !strings.Contains(long, short):
		text = short + " " + long
	case long != "":
		text = long
	}
	return Truncate(text, MaxDescriptionRunes)
}

func (n *Normalizer) arrondissement(r, location map[string]any) *int {
	if v, ok := pick(r, arrKeys...); ok {
		if s, ok := asString(v); ok {
			if a, ok := ParseArrondissement(s); ok {
				return &a
			}
		}
	}
	for _, obj := range []map[string]any{r, location} {
		if obj == nil {
			continue
		}
		if s, ok := pickString(obj, postalKeys...); ok {
			if a, ok := ParseArrondissement(s); ok {
				return &a
			}
		}
		if s, ok := pickString(obj, addressKeys...); ok {
			if a, ok := ArrondissementFromText(s); ok {
				return &a
			}
		}
	}
	return nil
}

func (n *Normalizer) price(r map[string]any) models.PriceBucket {
	if s, ok := pickString(r, priceBucketKeys...); ok {
		if b := models.PriceBucket(strings.ToLower(s)); b.Valid() {
			return b
		}
	}
	if free, ok := r["free"].(bool); ok && free {
		return models.PriceFree
	}
	if v, ok := pick(r, priceKeys...); ok {
		return ParsePrice(n.tax, v)
	}
	return models.PriceUnknown
}

func (n *Normalizer) categories(r map[string]any) []models.Category {
	set := make(map[models.Category]struct{})
	var unmapped []string

	for _, key := range categoryKeys {
		for _, term := range asStrings(r[key]) {
			if models.Category(taxonomy.Fold(term)) == models.Uncategorized {
				continue
			}
			mapped := n.tax.MapSourceTerm(term)
			if len(mapped) == 0 {
				unmapped = append(unmapped, taxonomy.Fold(term))
				continue
			}
			for _, c := range mapped {
				set[c] = struct{}{}
			}
		}
	}

	if len(unmapped) > 0 {
		n.mu.Lock()
		for _, u := range unmapped {
			n.unmapped[u] = struct{}{}
		}
		n.mu.Unlock()
	}

	if len(set) == 0 {
		return []models.Category{models.Uncategorized}
	}
	out := make([]models.Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
