// Package dedupe collapses near-duplicate events and remembers recently
// handled rebuild requests.
package dedupe

import (
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

const (
	// DefaultTitleThreshold is the minimum normalized title similarity.
	DefaultTitleThreshold = 0.85
	// DefaultVenueThreshold is the similarity above which venues are the same place.
	DefaultVenueThreshold = 0.9
)

// Deduplicator partitions events into equivalence classes and keeps one
// representative per class.
type Deduplicator struct {
	TitleThreshold float64
	VenueThreshold float64
	Location       *time.Location
}

// New returns a deduplicator with the default thresholds.
func New() *Deduplicator {
	return &Deduplicator{
		TitleThreshold: DefaultTitleThreshold,
		VenueThreshold: DefaultVenueThreshold,
		Location:       models.Paris,
	}
}

// key holds the folded strings compared for every pair.
type key struct {
	title string
	venue string
	start time.Time
	end   time.Time
	day   string
}

func (d *Deduplicator) keyOf(ev models.CanonicalEvent) key {
	return key{
		title: normalizeText(ev.Title),
		venue: normalizeText(ev.VenueName),
		start: ev.Start,
		end:   ev.EndOrStart(),
		day:   ev.Start.In(d.Location).Format(time.DateOnly),
	}
}

// Equivalent reports whether a and b describe the same real-world event:
// similar titles, same venue and same day or overlapping time windows.
func (d *Deduplicator) Equivalent(a, b models.CanonicalEvent) bool {
	return d.equivalent(d.keyOf(a), d.keyOf(b))
}

func (d *Deduplicator) equivalent(a, b key) bool {
	if !datesClose(a, b) {
		return false
	}
	if a.venue != b.venue && Similarity(a.venue, b.venue) < d.VenueThreshold {
		return false
	}
	return a.title == b.title || Similarity(a.title, b.title) >= d.TitleThreshold
}

func datesClose(a, b key) bool {
	if a.day == b.day {
		return true
	}
	return !a.start.After(b.end) && !b.start.After(a.end)
}

// Result is the outcome of a deduplication pass.
type Result struct {
	Events []models.CanonicalEvent
	Merged int
}

// Deduplicate collapses every equivalence class to its most complete record.
// Classes are the transitive closure of Equivalent (plus identical ids), so no
// two returned events are equivalent. Output keeps ingestion order and the
// merged ids end up in the representative's Aliases.
func (d *Deduplicator) Deduplicate(events []models.CanonicalEvent) Result {
	n := len(events)
	if n < 2 {
		return Result{Events: append([]models.CanonicalEvent(nil), events...)}
	}

	keys := make([]key, n)
	order := make([]int, n)
	for i, ev := range events {
		keys[i] = d.keyOf(ev)
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return keys[order[i]].start.Before(keys[order[j]].start)
	})

	uf := newUnionFind(n)
	// records sharing an id are the same record delivered twice
	firstByID := make(map[string]int, n)
	for i, ev := range events {
		if prev, ok := firstByID[ev.ID]; ok {
			uf.union(prev, i)
			continue
		}
		firstByID[ev.ID] = i
	}

	for x := 0; x < n; x++ {
		i := order[x]
		horizon := sweepHorizon(keys[i], d.Location)
		for y := x + 1; y < n; y++ {
			j := order[y]
			if keys[j].start.After(horizon) {
				break
			}
			if uf.find(i) == uf.find(j) {
				continue
			}
			if d.equivalent(keys[i], keys[j]) {
				uf.union(i, j)
			}
		}
	}

	classes := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		classes[root] = append(classes[root], i)
	}

	out := make([]models.CanonicalEvent, 0, len(classes))
	merged := 0
	for _, members := range classes {
		best := members[0]
		for _, m := range members[1:] {
			if moreComplete(events[m], events[best]) {
				best = m
			}
		}
		rep := events[best]
		if len(members) > 1 {
			aliases := append([]string(nil), rep.Aliases...)
			for _, m := range members {
				if m == best {
					continue
				}
				aliases = append(aliases, events[m].Aliases...)
				if events[m].ID != rep.ID {
					aliases = append(aliases, events[m].ID)
				}
			}
			aliases = slices.DeleteFunc(aliases, func(id string) bool { return id == rep.ID })
			slices.Sort(aliases)
			rep.Aliases = slices.Compact(aliases)
			merged += len(members) - 1
		}
		out = append(out, rep)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return Result{Events: out, Merged: merged}
}

// sweepHorizon is the latest start an event can have and still be
// equivalent to k: the end of k's window or of its calendar day.
func sweepHorizon(k key, loc *time.Location) time.Time {
	local := k.start.In(loc)
	dayEnd := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	if k.end.After(dayEnd) {
		return k.end
	}
	return dayEnd
}

// moreComplete orders records by description length, category count, known
// price and finally earliest ingestion.
func moreComplete(a, b models.CanonicalEvent) bool {
	if la, lb := utf8.RuneCountInString(a.Description), utf8.RuneCountInString(b.Description); la != lb {
		return la > lb
	}
	if ca, cb := mappedCategories(a), mappedCategories(b); ca != cb {
		return ca > cb
	}
	pa, pb := a.PriceBucket != models.PriceUnknown, b.PriceBucket != models.PriceUnknown
	if pa != pb {
		return pa
	}
	return a.Seq < b.Seq
}

func mappedCategories(ev models.CanonicalEvent) int {
	n := 0
	for _, c := range ev.Categories {
		if c != models.Uncategorized {
			n++
		}
	}
	return n
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// normalizeText folds case and accents and reduces punctuation to spaces.
func normalizeText(s string) string {
	toks := taxonomy.Tokenize(taxonomy.Fold(s))
	words := make([]string, 0, len(toks))
	for _, t := range toks {
		words = append(words, t.Text)
	}
	return strings.Join(words, " ")
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
