package search

import (
	"errors"
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, World! The quick-brown fox", []string{"hello", "world", "quick", "brown", "fox"}},
		{"alice@example.com", []string{"alice", "example", "com"}},
		{"Café Q3 x", []string{"cafe", "q3"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"", "*"},
		{"the", "NONE"},
		{"a of the", "NONE"},
		{`"to be"`, "NONE"},
		{"x y", "NONE"},
		{"the report", "report"},
		{"(the) OR alpha", "(NONE OR alpha)"},
		{"from:alice subject:hi", "(from:alice AND subject:hi)"},
		{"alpha OR beta gamma", "(alpha OR (beta AND gamma))"},
		{"alpha AND beta", "(alpha AND beta)"},
		{"-from:bob", "NOT from:bob"},
		{"NOT (alpha OR beta)", "NOT (alpha OR beta)"},
		{"-(alpha beta)", "NOT (alpha AND beta)"},
		{`"hello world"`, `"hello world"`},
		{`subject:"q report"`, "subject:q report"},
		{"Café", "cafe"},
		{"foo:bar", "foo bar"},
		{"is:unread AND label:work", "(is:unread AND label:work)"},
		{"has:attachment larger:5k", "(has:attachment AND larger:5k)"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			n, err := Parse(tt.query)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.query, err)
			}
			if got := n.String(); got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.query, got, tt.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, q := range []string{
		"(alpha",
		"alpha)",
		`"open`,
		"is:bogus",
		"has:wings",
		"before:yesterday",
		"size:lots",
		"OR alpha",
		"NOT",
	} {
		if _, err := Parse(q); !errors.Is(err, ErrSyntax) {
			t.Errorf("Parse(%q) error = %v, want ErrSyntax", q, err)
		}
	}
}

func TestHasText(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"is:unread from:alice", false},
		{"report", true},
		{"is:unread OR -report", true},
		{"", false},
	}
	for _, tt := range tests {
		n, err := Parse(tt.query)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.query, err)
		}
		if got := HasText(n); got != tt.want {
			t.Errorf("HasText(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestIndex_Lookup(t *testing.T) {
	x := newIndex()
	x.Add("m1", []string{"quarterly", "report"})
	x.Add("m2", []string{"quartz", "watch"})
	x.Add("m3", []string{"report"})

	if got := len(x.Lookup("report", false)); got != 2 {
		t.Errorf("Lookup(report) = %d ids, want 2", got)
	}
	if got := len(x.Lookup("quar", true)); got != 2 {
		t.Errorf("Lookup(quar, prefix) = %d ids, want 2", got)
	}
	if got := len(x.Lookup("quar", false)); got != 0 {
		t.Errorf("Lookup(quar, exact) = %d ids, want 0", got)
	}

	x.Add("m1", []string{"memo"})
	if got := len(x.Lookup("report", false)); got != 1 {
		t.Errorf("after re-add Lookup(report) = %d ids, want 1", got)
	}
	if !x.Remove("m2") || x.Remove("m2") {
		t.Error("Remove(m2) should succeed exactly once")
	}
	if got := len(x.Lookup("qua", true)); got != 0 {
		t.Errorf("after remove Lookup(qua) = %d ids, want 0", got)
	}
	if x.Len() != 2 {
		t.Errorf("Len() = %d, want 2", x.Len())
	}
}
