package taxonomy

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics ("Théâtre" -> "theatre").
func Fold(s string) string {
	folded, _ := FoldWithOffsets(s)
	return folded
}

// FoldWithOffsets folds s rune by rune and returns, for every byte of the
// folded string, the byte offset of the originating rune in s. The returned
// slice has one extra trailing element equal to len(s).
func FoldWithOffsets(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	origin := make([]int, 0, len(s)+1)

	for i, r := range s {
		before := b.Len()
		foldRune(&b, r)
		for j := before; j < b.Len(); j++ {
			origin = append(origin, i)
		}
	}
	origin = append(origin, len(s))
	return b.String(), origin
}

func foldRune(b *strings.Builder, r rune) {
	switch r {
	case '’', '‘', '`', 'ʼ':
		b.WriteByte('\'')
		return
	case 'œ', 'Œ':
		b.WriteString("oe")
		return
	case 'æ', 'Æ':
		b.WriteString("ae")
		return
	case '\u00a0', '\u202f':
		b.WriteByte(' ')
		return
	}
	if r < utf8.RuneSelf {
		b.WriteRune(unicode.ToLower(r))
		return
	}
	for _, d := range norm.NFD.String(string(r)) {
		if unicode.Is(unicode.Mn, d) {
			continue
		}
		b.WriteRune(unicode.ToLower(d))
	}
}

// Token is a word of a folded string with its byte span.
type Token struct {
	Text  string
	Start int
	End   int
}

// Tokenize splits a folded string into maximal runs of letters, digits and
// the euro sign.
func Tokenize(s string) []Token {
	var out []Token
	start := -1
	for i, r := range s {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, Token{Text: s[start:i], Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Token{Text: s[start:], Start: start, End: len(s)})
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '€'
}

// Phrase is a folded multi-word expression.
type Phrase []string

// NewPhrase folds and tokenizes raw.
func NewPhrase(raw string) Phrase {
	toks := Tokenize(Fold(raw))
	p := make(Phrase, 0, len(toks))
	for _, t := range toks {
		p = append(p, t.Text)
	}
	return p
}

// MatchAt reports whether p occurs at tokens[i:]. With plural set, the last
// word also matches when followed by a trailing "s" or "x".
func (p Phrase) MatchAt(tokens []Token, i int, plural bool) bool {
	if len(p) == 0 || i+len(p) > len(tokens) {
		return false
	}
	last := len(p) - 1
	for k, word := range p {
		got := tokens[i+k].Text
		if got == word {
			continue
		}
		if plural && k == last && (got == word+"s" || got == word+"x") {
			continue
		}
		return false
	}
	return true
}

// Find returns the token range [from, to) of the first occurrence of p.
func (p Phrase) Find(tokens []Token, plural bool) (int, int, bool) {
	for i := range tokens {
		if p.MatchAt(tokens, i, plural) {
			return i, i + len(p), true
		}
	}
	return 0, 0, false
}
