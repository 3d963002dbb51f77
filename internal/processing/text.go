package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var (
	urlRegex   = regexp.MustCompile(`https?://[^\s<>"']+`)
	tagRegex   = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// blockTags break words when stripped.
var blockTags = map[string]struct{}{
	"br": {}, "p": {}, "div": {}, "li": {}, "ul": {}, "ol": {}, "tr": {}, "td": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "section": {}, "article": {},
}

// maxStripPasses bounds re-stripping of entity-encoded markup.
const maxStripPasses = 8

// StripHTML extracts the visible text of an HTML fragment, decodes entities
// and collapses whitespace. Markup that only appears after decoding
// (&lt;b&gt;) is stripped too, so StripHTML(StripHTML(s)) == StripHTML(s).
// Plain text passes through unchanged apart from whitespace.
func StripHTML(input string) string {
	out := stripOnce(input)
	for i := 0; i < maxStripPasses && out != input; i++ {
		input, out = out, stripOnce(out)
	}
	return out
}

func stripOnce(input string) string {
	if input == "" {
		return ""
	}
	if !strings.ContainsAny(input, "<&") {
		return CollapseWhitespace(input)
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(input))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return CollapseWhitespace(b.String())
			}
			return stripWithRegex(input)
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				skip++
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte(' ')
			}
		}
	}
}

func stripWithRegex(input string) string {
	out := tagRegex.ReplaceAllString(input, " ")
	return CollapseWhitespace(html.UnescapeString(out))
}

// CollapseWhitespace squeezes runs of whitespace into single spaces.
func CollapseWhitespace(input string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// Truncate shortens s to at most limit runes, cutting on a word boundary when
// one is close and marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	cut := runes[:limit-1]
	if i := lastSpace(cut); i > len(cut)*4/5 {
		cut = cut[:i]
	}
	return strings.TrimRight(string(cut), " ,;:.") + "…"
}

func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return -1
}

// ExtractURLs extracts all HTTP(S) URLs from the input text, in order and
// without duplicates.
func ExtractURLs(input string) []string {
	if input == "" {
		return nil
	}
	matches := urlRegex.FindAllString(input, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var urls []string
	for _, url := range matches {
		url = strings.TrimRight(url, ".,;)")
		if _, ok := seen[url]; !ok {
			seen[url] = struct{}{}
			urls = append(urls, url)
		}
	}
	return urls
}

// BuildEventID hashes the most stable fields to form deterministic IDs for
// records that arrive without one.
func BuildEventID(title, venue string, start time.Time) string {
	s := sha1.Sum([]byte(strings.ToLower(title) + "|" + strings.ToLower(venue) + "|" + start.UTC().Format(time.RFC3339)))
	return "gen-" + hex.EncodeToString(s[:10])
}
