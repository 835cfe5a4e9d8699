package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

const minTokenLen = 2

var stopwords = map[string]bool{
	"an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "was": true, "with": true,
}

// fold lowercases s and strips combining marks so "Café" and "cafe" index
// the same.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokenize splits text into folded index terms. Email addresses yield their
// local part and domain labels separately.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < minTokenLen || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// uniqueTokens tokenizes every part and returns each term once.
func uniqueTokens(parts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range parts {
		for _, tok := range Tokenize(p) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

// document is a message hydrated for indexing and filter evaluation.
type document struct {
	msg  domain.Message
	body *domain.MessageBody
}

func addressText(addrs ...domain.Address) string {
	var b strings.Builder
	for _, a := range addrs {
		b.WriteString(a.Name)
		b.WriteByte(' ')
		b.WriteString(a.Email)
		b.WriteByte(' ')
	}
	return b.String()
}

// text returns everything searchable in d for mode.
func (d document) text(mode Mode) []string {
	parts := []string{
		d.msg.Subject,
		addressText(d.msg.From),
		addressText(d.msg.To...),
		addressText(d.msg.CC...),
		d.msg.Snippet,
		strings.Join(d.msg.Labels, " "),
	}
	if mode == ModeFull && d.body != nil {
		parts = append(parts, d.body.Text)
		for _, a := range d.body.Attachments {
			parts = append(parts, a.Filename)
		}
	}
	return parts
}

func (d document) tokens(mode Mode) []string {
	return uniqueTokens(d.text(mode)...)
}
