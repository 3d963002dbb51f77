package processing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

// preferredLanguages orders the keys of multilingual source fields.
var preferredLanguages = []string{"fr", "en"}

// pick returns the first non-nil value among keys.
func pick(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case models.RawEvent:
		return t, true
	}
	return nil, false
}

// asString coerces scalar and multilingual values to a trimmed string.
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case map[string]any:
		for _, lang := range preferredLanguages {
			if s, ok := asString(t[lang]); ok {
				return s, true
			}
		}
		keys := sortedKeys(t)
		for _, k := range keys {
			if s, ok := asString(t[k]); ok {
				return s, true
			}
		}
		return "", false
	case []any:
		for _, item := range t {
			if s, ok := asString(item); ok {
				return s, true
			}
		}
		return "", false
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				return s, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

// asStrings flattens strings, lists and language maps into a list.
func asStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' || r == '|' }) {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return asStrings(toAnySlice(t))
	case []any:
		var out []string
		for _, item := range t {
			if obj, ok := asObject(item); ok {
				// category objects such as {"label": {...}, "id": 3}
				if label, ok := pick(obj, "label", "name", "title"); ok {
					out = append(out, asStrings(label)...)
					continue
				}
			}
			out = append(out, asStrings(item)...)
		}
		return out
	case map[string]any:
		var out []string
		seen := make(map[string]struct{})
		for _, k := range append(append([]string{}, preferredLanguages...), sortedKeys(t)...) {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, asStrings(t[k])...)
		}
		return out
	default:
		if s, ok := asString(t); ok {
			return []string{s}
		}
		return nil
	}
}

// asNumber coerces numeric values.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", "."), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{time.RFC3339, false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02 15:04", true},
	{"2006-01-02", true},
}

// asTime accepts RFC3339, naive local timestamps (Europe/Paris), plain dates
// and unix epoch seconds. The result is in UTC.
func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		raw := strings.TrimSpace(t)
		for _, l := range timeLayouts {
			var (
				ts  time.Time
				err error
			)
			if l.naive {
				ts, err = time.ParseInLocation(l.layout, raw, models.Paris)
			} else {
				ts, err = time.Parse(l.layout, raw)
			}
			if err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
	case map[string]any:
		if inner, ok := pick(t, "begin", "start", "date"); ok {
			return asTime(inner)
		}
		return time.Time{}, fmt.Errorf("timestamp object without begin")
	default:
		if f, ok := asNumber(v); ok && f > 0 {
			sec, frac := math.Modf(f)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// RawFromCanonical re-encodes a canonical event as a raw record, the form in
// which previously indexed events re-enter the normalizer.
func RawFromCanonical(ev models.CanonicalEvent) (models.RawEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw models.RawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
	}
	return raw, nil
}
