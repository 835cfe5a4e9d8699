package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Mode selects what part of a message is indexed.
type Mode string

const (
	// ModeHeaders indexes subject, addresses, snippet and labels.
	ModeHeaders Mode = "headers"
	// ModeFull additionally indexes cached body text.
	ModeFull Mode = "full"
)

func (m Mode) Valid() bool {
	return m == ModeHeaders || m == ModeFull
}

// payloadVersion is bumped whenever tokenization changes. Payloads of
// another version are discarded on load and rebuilt by the health check.
const payloadVersion = 1

// Index is an inverted index from term to message ids.
type Index struct {
	docs     map[string][]string
	postings map[string]map[string]struct{}
	vocab    []string
	stale    bool
}

func newIndex() *Index {
	return &Index{
		docs:     make(map[string][]string),
		postings: make(map[string]map[string]struct{}),
	}
}

// Add indexes id under tokens, replacing whatever id was indexed under.
func (x *Index) Add(id string, tokens []string) {
	x.Remove(id)
	x.docs[id] = tokens
	for _, tok := range tokens {
		set, ok := x.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			x.postings[tok] = set
			x.stale = true
		}
		set[id] = struct{}{}
	}
}

// Remove drops id and reports whether it was indexed.
func (x *Index) Remove(id string) bool {
	tokens, ok := x.docs[id]
	if !ok {
		return false
	}
	delete(x.docs, id)
	for _, tok := range tokens {
		set := x.postings[tok]
		delete(set, id)
		if len(set) == 0 {
			delete(x.postings, tok)
			x.stale = true
		}
	}
	return true
}

func (x *Index) Has(id string) bool {
	_, ok := x.docs[id]
	return ok
}

// Len is the number of indexed messages.
func (x *Index) Len() int {
	return len(x.docs)
}

// Terms is the number of distinct terms.
func (x *Index) Terms() int {
	return len(x.postings)
}

// IDs returns every indexed id.
func (x *Index) IDs() []string {
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the ids containing term. With prefix set, every term
// starting with term matches.
func (x *Index) Lookup(term string, prefix bool) map[string]struct{} {
	out := make(map[string]struct{})
	if !prefix {
		for id := range x.postings[term] {
			out[id] = struct{}{}
		}
		return out
	}
	if x.stale {
		x.vocab = x.vocab[:0]
		for tok := range x.postings {
			x.vocab = append(x.vocab, tok)
		}
		sort.Strings(x.vocab)
		x.stale = false
	}
	for i := sort.SearchStrings(x.vocab, term); i < len(x.vocab) && strings.HasPrefix(x.vocab[i], term); i++ {
		for id := range x.postings[x.vocab[i]] {
			out[id] = struct{}{}
		}
	}
	return out
}

type payload struct {
	Version int                 `json:"version"`
	Docs    map[string][]string `json:"docs"`
}

func (x *Index) MarshalJSON() ([]byte, error) {
	return json.Marshal(payload{Version: payloadVersion, Docs: x.docs})
}

func (x *Index) UnmarshalJSON(data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Version != payloadVersion {
		return fmt.Errorf("index payload version %d, want %d", p.Version, payloadVersion)
	}
	*x = *newIndex()
	for id, tokens := range p.Docs {
		x.Add(id, tokens)
	}
	return nil
}

// Meta is the record kept in index_meta next to each payload.
type Meta struct {
	Account   string `json:"account"`
	Mode      Mode   `json:"mode"`
	Count     int    `json:"count"`
	Terms     int    `json:"terms"`
	Version   int    `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
}
