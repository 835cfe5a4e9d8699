package search

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// ErrSyntax is wrapped by every query parse error.
var ErrSyntax = errors.New("invalid search query")

// Node is a compiled query expression.
type Node interface {
	match(e *evalDoc) bool
	String() string
}

// All matches every message. It is the compiled form of an empty query.
type All struct{}

// None matches nothing. A query whose words are all stopwords or too
// short to index compiles to None.
type None struct{}

type And struct{ Terms []Node }

type Or struct{ Terms []Node }

type Not struct{ Term Node }

// Text matches free text. Terms of a phrase must appear consecutively;
// other terms match any indexed word they prefix.
type Text struct {
	Terms  []string
	Phrase bool
}

// Filter is a field predicate such as from:alice or is:unread.
type Filter struct {
	Field string
	Value string
	pred  func(*evalDoc) bool
}

func (All) match(*evalDoc) bool { return true }
func (All) String() string      { return "*" }

func (None) match(*evalDoc) bool { return false }
func (None) String() string      { return "NONE" }

func (n And) match(e *evalDoc) bool {
	for _, t := range n.Terms {
		if !t.match(e) {
			return false
		}
	}
	return true
}

func (n And) String() string { return joinNodes("AND", n.Terms) }

func (n Or) match(e *evalDoc) bool {
	for _, t := range n.Terms {
		if t.match(e) {
			return true
		}
	}
	return false
}

func (n Or) String() string { return joinNodes("OR", n.Terms) }

func (n Not) match(e *evalDoc) bool { return !n.Term.match(e) }
func (n Not) String() string        { return "NOT " + n.Term.String() }

func (n Text) match(e *evalDoc) bool {
	if n.Phrase {
		return e.hasPhrase(n.Terms)
	}
	for _, t := range n.Terms {
		if !e.hasPrefix(t) {
			return false
		}
	}
	return true
}

func (n Text) String() string {
	if n.Phrase {
		return fmt.Sprintf("%q", strings.Join(n.Terms, " "))
	}
	return strings.Join(n.Terms, " ")
}

func (n Filter) match(e *evalDoc) bool { return n.pred(e) }
func (n Filter) String() string        { return n.Field + ":" + n.Value }

func joinNodes(op string, nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// HasText reports whether n needs the text index.
func HasText(n Node) bool {
	switch n := n.(type) {
	case Text:
		return true
	case And:
		for _, t := range n.Terms {
			if HasText(t) {
				return true
			}
		}
	case Or:
		for _, t := range n.Terms {
			if HasText(t) {
				return true
			}
		}
	case Not:
		return HasText(n.Term)
	}
	return false
}

// candidates returns the ids that may match n according to x. bounded is
// false when the index cannot narrow the result, for example a negated
// text term.
func candidates(n Node, x *Index) (ids map[string]struct{}, bounded bool) {
	switch n := n.(type) {
	case None:
		return map[string]struct{}{}, true
	case Text:
		for i, t := range n.Terms {
			hits := x.Lookup(t, !n.Phrase)
			if i == 0 {
				ids = hits
				continue
			}
			ids = intersect(ids, hits)
		}
		return ids, true
	case And:
		for _, t := range n.Terms {
			sub, ok := candidates(t, x)
			if !ok {
				continue
			}
			if !bounded {
				ids, bounded = sub, true
				continue
			}
			ids = intersect(ids, sub)
		}
		return ids, bounded
	case Or:
		ids = make(map[string]struct{})
		for _, t := range n.Terms {
			sub, ok := candidates(t, x)
			if !ok {
				return nil, false
			}
			for id := range sub {
				ids[id] = struct{}{}
			}
		}
		return ids, true
	}
	return nil, false
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

type lexKind int

const (
	lexEOF lexKind = iota
	lexWord
	lexPhrase
	lexLParen
	lexRParen
)

type lexeme struct {
	kind  lexKind
	text  string
	field string
	// quoted is set when the field value was written in quotes.
	quoted bool
	neg    bool
}

func lex(q string) ([]lexeme, error) {
	var out []lexeme
	rs := []rune(q)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, lexeme{kind: lexLParen})
			i++
		case r == ')':
			out = append(out, lexeme{kind: lexRParen})
			i++
		default:
			neg := false
			if r == '-' && i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
				neg = true
				i++
			}
			if rs[i] == '(' {
				out = append(out, lexeme{kind: lexWord, text: "NOT"})
				continue
			}
			if rs[i] == '"' {
				text, next, err := readQuoted(rs, i)
				if err != nil {
					return nil, err
				}
				out = append(out, lexeme{kind: lexPhrase, text: text, neg: neg})
				i = next
				continue
			}
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && rs[i] != '(' && rs[i] != ')' {
				if rs[i] == ':' && i+1 < len(rs) && rs[i+1] == '"' {
					field := string(rs[start:i])
					text, next, err := readQuoted(rs, i+1)
					if err != nil {
						return nil, err
					}
					out = append(out, lexeme{kind: lexWord, field: field, text: text, quoted: true, neg: neg})
					i = next
					start = -1
					break
				}
				i++
			}
			if start < 0 {
				continue
			}
			word := string(rs[start:i])
			lx := lexeme{kind: lexWord, text: word, neg: neg}
			if field, value, ok := strings.Cut(word, ":"); ok && field != "" && value != "" {
				lx.field, lx.text = field, value
			}
			out = append(out, lx)
		}
	}
	return append(out, lexeme{kind: lexEOF}), nil
}

// readQuoted reads a quoted string starting at the opening quote at i.
func readQuoted(rs []rune, i int) (string, int, error) {
	for j := i + 1; j < len(rs); j++ {
		if rs[j] == '"' {
			return string(rs[i+1 : j]), j + 1, nil
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated quote", ErrSyntax)
}

type parser struct {
	toks []lexeme
	pos  int
}

// Parse compiles a query. Keywords AND, OR and NOT must be upper case;
// adjacent terms are joined with AND.
func Parse(q string) (Node, error) {
	toks, err := lex(q)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == lexEOF {
		return All{}, nil
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if k := p.peek().kind; k != lexEOF {
		return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, describe(p.peek()))
	}
	return n, nil
}

func describe(l lexeme) string {
	switch l.kind {
	case lexRParen:
		return `")"`
	case lexLParen:
		return `"("`
	case lexEOF:
		return "end of query"
	}
	return fmt.Sprintf("%q", l.text)
}

func (p *parser) peek() lexeme { return p.toks[p.pos] }

func (p *parser) next() lexeme {
	l := p.toks[p.pos]
	if l.kind != lexEOF {
		p.pos++
	}
	return l
}

func isKeyword(l lexeme, kw string) bool {
	return l.kind == lexWord && l.field == "" && !l.neg && l.text == kw
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Node{first}
	for isKeyword(p.peek(), "OR") {
		p.next()
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Node, error) {
	var terms []Node
	consumed := false
	for {
		l := p.peek()
		if l.kind == lexEOF || l.kind == lexRParen || isKeyword(l, "OR") {
			break
		}
		if isKeyword(l, "AND") {
			p.next()
			continue
		}
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		consumed = true
		if n != nil {
			terms = append(terms, n)
		}
	}
	switch len(terms) {
	case 0:
		if consumed {
			// Every word was a stopword or too short.
			return None{}, nil
		}
		return nil, fmt.Errorf("%w: expected a term before %s", ErrSyntax, describe(p.peek()))
	case 1:
		return terms[0], nil
	}
	return And{Terms: terms}, nil
}

func (p *parser) parseUnary() (Node, error) {
	if isKeyword(p.peek(), "NOT") {
		p.next()
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fmt.Errorf("%w: NOT without a term", ErrSyntax)
		}
		return Not{Term: n}, nil
	}
	return p.parsePrimary()
}

// parsePrimary returns a nil node for a word that tokenizes to nothing,
// such as a lone stopword.
func (p *parser) parsePrimary() (Node, error) {
	l := p.next()
	var n Node
	switch l.kind {
	case lexLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != lexRParen {
			return nil, fmt.Errorf("%w: missing )", ErrSyntax)
		}
		n = inner
	case lexPhrase:
		terms := Tokenize(l.text)
		if len(terms) == 0 {
			return nil, nil
		}
		n = Text{Terms: terms, Phrase: true}
	case lexWord:
		var err error
		n, err = p.word(l)
		if err != nil || n == nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, describe(l))
	}
	if l.neg {
		return Not{Term: n}, nil
	}
	return n, nil
}

func (p *parser) word(l lexeme) (Node, error) {
	if l.field != "" {
		f, ok, err := compileFilter(strings.ToLower(l.field), l.text)
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
		// Unknown fields search the whole word as text.
		l.text = l.field + ":" + l.text
	}
	terms := Tokenize(l.text)
	if len(terms) == 0 {
		return nil, nil
	}
	return Text{Terms: terms, Phrase: l.quoted}, nil
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", time.RFC3339}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad date %q", ErrSyntax, s)
}

func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q", ErrSyntax, s)
	}
	return int64(n), nil
}

func addressMatch(value string, addrs ...domain.Address) bool {
	v := fold(value)
	for _, a := range addrs {
		if strings.Contains(fold(a.Email), v) || strings.Contains(fold(a.Name), v) {
			return true
		}
	}
	return false
}

// compileFilter reports ok=false for fields it does not know.
func compileFilter(field, value string) (Filter, bool, error) {
	f := Filter{Field: field, Value: value}
	switch field {
	case "from":
		f.pred = func(e *evalDoc) bool { return addressMatch(value, e.msg.From) }
	case "to":
		f.pred = func(e *evalDoc) bool { return addressMatch(value, e.msg.To...) }
	case "cc":
		f.pred = func(e *evalDoc) bool { return addressMatch(value, e.msg.CC...) }
	case "subject":
		v := fold(value)
		f.pred = func(e *evalDoc) bool { return strings.Contains(fold(e.msg.Subject), v) }
	case "label":
		f.pred = func(e *evalDoc) bool { return e.msg.HasLabel(value) }
	case "in":
		f.pred = func(e *evalDoc) bool {
			return strings.EqualFold(e.msg.Folder, value) || e.msg.HasLabel(value)
		}
	case "is":
		switch strings.ToLower(value) {
		case "unread":
			f.pred = func(e *evalDoc) bool { return e.msg.IsUnread }
		case "read":
			f.pred = func(e *evalDoc) bool { return !e.msg.IsUnread }
		case "starred":
			f.pred = func(e *evalDoc) bool { return e.msg.IsStarred }
		case "unstarred":
			f.pred = func(e *evalDoc) bool { return !e.msg.IsStarred }
		default:
			return f, false, fmt.Errorf("%w: unknown is:%s", ErrSyntax, value)
		}
	case "has":
		switch strings.ToLower(value) {
		case "attachment", "attachments":
			f.pred = func(e *evalDoc) bool { return e.msg.HasAttachments }
		default:
			return f, false, fmt.Errorf("%w: unknown has:%s", ErrSyntax, value)
		}
	case "before", "after":
		t, err := parseDate(value)
		if err != nil {
			return f, false, err
		}
		at := t.Unix()
		if field == "before" {
			f.pred = func(e *evalDoc) bool { return e.msg.Timestamp < at }
		} else {
			f.pred = func(e *evalDoc) bool { return e.msg.Timestamp >= at }
		}
	case "size", "larger", "smaller":
		n, err := parseSize(value)
		if err != nil {
			return f, false, err
		}
		switch field {
		case "size":
			f.pred = func(e *evalDoc) bool { return e.msg.Size >= n }
		case "larger":
			f.pred = func(e *evalDoc) bool { return e.msg.Size > n }
		default:
			f.pred = func(e *evalDoc) bool { return e.msg.Size < n }
		}
	default:
		return f, false, nil
	}
	return f, true, nil
}

// evalDoc caches the tokens of one document while a query runs over it.
type evalDoc struct {
	document
	mode   Mode
	sorted []string
	parts  [][]string
}

func newEvalDoc(d document, mode Mode) *evalDoc {
	e := &evalDoc{document: d, mode: mode}
	for _, p := range d.text(mode) {
		e.parts = append(e.parts, Tokenize(p))
	}
	e.sorted = d.tokens(mode)
	sort.Strings(e.sorted)
	return e
}

func (e *evalDoc) hasPrefix(term string) bool {
	i := sort.SearchStrings(e.sorted, term)
	return i < len(e.sorted) && strings.HasPrefix(e.sorted[i], term)
}

func (e *evalDoc) hasPhrase(terms []string) bool {
	for _, part := range e.parts {
		for i := 0; i+len(terms) <= len(part); i++ {
			ok := true
			for j, t := range terms {
				if part[i+j] != t {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
	}
	return false
}
