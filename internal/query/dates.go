package query

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`)
	dayMonthRe  = regexp.MustCompile(`\b(\d{1,2})(?:er|st|nd|rd|th)?\s+(?:of\s+)?([a-z]+)\b\.?(?:\s+(\d{4})\b)?`)
	monthDayRe  = regexp.MustCompile(`\b([a-z]+)\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
)

// dateMention is an absolute calendar day found in the folded question.
type dateMention struct {
	span span
	day  time.Time // local midnight
}

func midnight(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

func addDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

func between(from, to time.Time) models.DateRange {
	return models.DateRange{From: from.UTC(), To: to.UTC()}
}

// resolveRelative turns a named temporal expression into a half-open range
// of local calendar time.
func resolveRelative(name string, now time.Time, loc *time.Location) (models.DateRange, bool) {
	today := midnight(now, loc)
	wd := today.Weekday()

	switch name {
	case "today":
		return between(today, addDays(today, 1)), true
	case "tonight":
		evening := time.Date(today.Year(), today.Month(), today.Day(), 18, 0, 0, 0, loc)
		if now.After(evening) {
			evening = now
		}
		return between(evening, addDays(today, 1)), true
	case "tomorrow":
		return between(addDays(today, 1), addDays(today, 2)), true
	case "day_after_tomorrow":
		return between(addDays(today, 2), addDays(today, 3)), true
	case "weekend":
		switch wd {
		case time.Saturday:
			return between(today, addDays(today, 2)), true
		case time.Sunday:
			return between(today, addDays(today, 1)), true
		}
		sat := addDays(today, int(time.Saturday-wd))
		return between(sat, addDays(sat, 2)), true
	case "next_weekend":
		days := (int(time.Saturday) - int(wd) + 7) % 7
		if days == 0 {
			days = 7
		}
		sat := addDays(today, days)
		return between(sat, addDays(sat, 2)), true
	case "this_week":
		return between(today, addDays(today, daysToMonday(wd))), true
	case "next_week":
		mon := addDays(today, daysToMonday(wd))
		return between(mon, addDays(mon, 7)), true
	case "this_month":
		return between(today, firstOfMonth(today, 1)), true
	case "next_month":
		return between(firstOfMonth(today, 1), firstOfMonth(today, 2)), true
	}
	return models.DateRange{}, false
}

func daysToMonday(wd time.Weekday) int {
	d := (8 - int(wd)) % 7
	if d == 0 {
		d = 7
	}
	return d
}

func firstOfMonth(day time.Time, offset int) time.Time {
	return time.Date(day.Year(), day.Month()+time.Month(offset), 1, 0, 0, 0, 0, day.Location())
}

// nextWeekday is the next day with the given weekday, today included unless
// strict is set.
func nextWeekday(today time.Time, target time.Weekday, strict bool) time.Time {
	d := (int(target) - int(today.Weekday()) + 7) % 7
	if d == 0 && strict {
		d = 7
	}
	return addDays(today, d)
}

// findDates returns the absolute dates mentioned in folded, in text order.
// Overlapping matches of later patterns are dropped.
func findDates(tax *taxonomy.Taxonomy, folded string, now time.Time, loc *time.Location) []dateMention {
	today := midnight(now, loc)
	var out []dateMention

	add := func(s span, year, month, day int, yearGiven bool) {
		for _, m := range out {
			if m.span.overlaps(s) {
				return
			}
		}
		d, ok := calendarDay(year, month, day, loc)
		if !ok {
			return
		}
		if !yearGiven && d.Before(today) {
			if d, ok = calendarDay(year+1, month, day, loc); !ok {
				return
			}
		}
		out = append(out, dateMention{span: s, day: d})
	}

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(folded, -1) {
		add(span{m[0], m[1]}, atoi(folded, m, 1), atoi(folded, m, 2), atoi(folded, m, 3), true)
	}
	for _, m := range slashDateRe.FindAllStringSubmatchIndex(folded, -1) {
		year, given := today.Year(), m[6] >= 0
		if given {
			year = atoi(folded, m, 3)
			if year < 100 {
				year += 2000
			}
		}
		add(span{m[0], m[1]}, year, atoi(folded, m, 2), atoi(folded, m, 1), given)
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(folded, -1) {
		month, ok := tax.Months[folded[m[4]:m[5]]]
		if !ok {
			continue
		}
		year, given := today.Year(), m[6] >= 0
		if given {
			year = atoi(folded, m, 3)
		}
		add(span{m[0], m[1]}, year, int(month), atoi(folded, m, 1), given)
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(folded, -1) {
		month, ok := tax.Months[folded[m[2]:m[3]]]
		if !ok {
			continue
		}
		year, given := today.Year(), m[6] >= 0
		if given {
			year = atoi(folded, m, 3)
		}
		add(span{m[0], m[1]}, year, int(month), atoi(folded, m, 2), given)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].span.start < out[j].span.start })
	return out
}

func calendarDay(year, month, day int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if d.Day() != day || int(d.Month()) != month {
		return time.Time{}, false
	}
	return d, true
}

func atoi(s string, m []int, group int) int {
	n, _ := strconv.Atoi(s[m[2*group]:m[2*group+1]])
	return n
}
