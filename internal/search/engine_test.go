package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/store"
	"github.com/lu-zhengda/mailcore/internal/store/sqlite"
)

const acct = "acct"

// 2024-01-01T00:00:00Z
const base = 1704067200

func newTestEngine(t *testing.T, opts Options) (*store.Client, *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	owner, err := sqlite.NewOwner(ctx, sqlite.Options{Path: ":memory:"})
	if err != nil {
		cancel()
		t.Fatalf("NewOwner() error: %v", err)
	}
	sc := owner.Client()
	engine := NewEngine(sc, opts)
	done := make(chan struct{}, 2)
	go func() {
		owner.Serve(ctx)
		done <- struct{}{}
	}()
	go func() {
		engine.Serve(ctx)
		done <- struct{}{}
	}()
	c := engine.Client()
	t.Cleanup(func() {
		c.Close()
		sc.Close()
		cancel()
		<-done
		<-done
	})
	return sc, c
}

var (
	senders = []domain.Address{
		{Name: "Alice Smith", Email: "alice@example.com"},
		{Name: "Bob Jones", Email: "bob@example.org"},
		{Name: "Carol", Email: "carol@corp.example"},
		{Email: "noreply@shop.example"},
	}
	subjects = []string{"Quarterly report", "Lunch plans", "Invoice 42", "Weekly sync", "Quarterly planning"}
	folders  = []string{"INBOX", "Archive", "Projects/Alpha"}
)

func sampleMessages(n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		m := domain.Message{
			AccountID:      acct,
			ID:             fmt.Sprintf("m%02d", i),
			Folder:         folders[i%len(folders)],
			From:           senders[i%len(senders)],
			To:             []domain.Address{{Email: "me@example.com"}},
			Subject:        subjects[i%len(subjects)],
			Snippet:        fmt.Sprintf("snippet number %d", i),
			Timestamp:      base + int64(i)*86400 + 3600,
			Size:           int64(1000 * (i + 1)),
			HasAttachments: i%4 == 0,
			IsStarred:      i%5 == 0,
			Labels:         []string{folders[i%len(folders)]},
		}
		if i%3 == 1 {
			m.AddLabels("work")
		}
		m.SetUnread(i%2 == 0)
		msgs[i] = m
	}
	return msgs
}

func putMessages(t *testing.T, sc *store.Client, msgs []domain.Message) []string {
	t.Helper()
	rows, err := store.Encode(msgs, func(m domain.Message) string { return m.ID })
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := sc.BulkPut(context.Background(), store.TableMessages, acct, rows); err != nil {
		t.Fatalf("BulkPut() error: %v", err)
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func resultIDs(res SearchResult) []string {
	ids := make([]string, len(res.Messages))
	for i, m := range res.Messages {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	return ids
}

func TestSearch_FilterOnlyMatchesStoredRecords(t *testing.T) {
	sc, c := newTestEngine(t, Options{})
	ctx := context.Background()
	msgs := sampleMessages(24)
	putMessages(t, sc, msgs)

	tests := []struct {
		query string
		want  func(domain.Message) bool
	}{
		{"is:unread", func(m domain.Message) bool { return m.IsUnread }},
		{"from:alice", func(m domain.Message) bool { return m.From.Email == "alice@example.com" }},
		{"in:archive", func(m domain.Message) bool { return m.Folder == "Archive" }},
		{"has:attachment -is:starred", func(m domain.Message) bool { return m.HasAttachments && !m.IsStarred }},
		{"larger:5k", func(m domain.Message) bool { return m.Size > 5000 }},
		{"after:2024-01-05 before:2024-01-10", func(m domain.Message) bool {
			return m.Timestamp >= base+4*86400 && m.Timestamp < base+9*86400
		}},
		{"is:read OR label:work", func(m domain.Message) bool { return !m.IsUnread || m.HasLabel("work") }},
		{"NOT (is:starred OR in:inbox)", func(m domain.Message) bool { return !m.IsStarred && m.Folder != "INBOX" }},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res, err := c.Search(ctx, Params{Account: acct, Query: tt.query, Limit: 1000})
			if err != nil {
				t.Fatalf("Search() error: %v", err)
			}
			if res.Strategy != strategyScan {
				t.Errorf("Strategy = %q, want %q", res.Strategy, strategyScan)
			}
			var want []string
			for _, m := range msgs {
				if tt.want(m) {
					want = append(want, m.ID)
				}
			}
			sort.Strings(want)
			if got := resultIDs(res); !slices.Equal(got, want) {
				t.Errorf("Search(%q) = %v, want %v", tt.query, got, want)
			}
			if res.Total != len(want) {
				t.Errorf("Total = %d, want %d", res.Total, len(want))
			}
		})
	}
}

func TestSearch_Text(t *testing.T) {
	sc, c := newTestEngine(t, Options{BatchSize: 1000, Debounce: time.Hour})
	ctx := context.Background()
	msgs := sampleMessages(10)
	ids := putMessages(t, sc, msgs)
	if err := c.Index(ctx, acct, ids); err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	match := func(pred func(domain.Message) bool) []string {
		var out []string
		for _, m := range msgs {
			if pred(m) {
				out = append(out, m.ID)
			}
		}
		sort.Strings(out)
		return out
	}
	tests := []struct {
		query    string
		strategy string
		want     []string
	}{
		{"quarterly", strategyIndex, match(func(m domain.Message) bool { return strings.HasPrefix(m.Subject, "Quarterly") })},
		{"quart", strategyIndex, match(func(m domain.Message) bool { return strings.HasPrefix(m.Subject, "Quarterly") })},
		{`"quarterly report"`, strategyIndex, match(func(m domain.Message) bool { return m.Subject == "Quarterly report" })},
		{"quarterly -report", strategyIndex, match(func(m domain.Message) bool { return m.Subject == "Quarterly planning" })},
		{"quarterly is:unread", strategyIndex, match(func(m domain.Message) bool {
			return strings.HasPrefix(m.Subject, "Quarterly") && m.IsUnread
		})},
		{"-quarterly", strategyScan, match(func(m domain.Message) bool { return !strings.HasPrefix(m.Subject, "Quarterly") })},
		{"lunch OR is:starred", strategyScan, match(func(m domain.Message) bool { return m.Subject == "Lunch plans" || m.IsStarred })},
		{"bob", strategyIndex, match(func(m domain.Message) bool { return m.From.Name == "Bob Jones" })},
		{"the", strategyIndex, nil},
		{"a of to", strategyIndex, nil},
		{"x y", strategyIndex, nil},
		{`"to be"`, strategyIndex, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res, err := c.Search(ctx, Params{Account: acct, Query: tt.query, Limit: 100})
			if err != nil {
				t.Fatalf("Search() error: %v", err)
			}
			if res.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", res.Strategy, tt.strategy)
			}
			if got := resultIDs(res); !slices.Equal(got, tt.want) {
				t.Errorf("Search(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestSearch_OrderAndPaging(t *testing.T) {
	sc, c := newTestEngine(t, Options{})
	ctx := context.Background()
	putMessages(t, sc, sampleMessages(12))

	res, err := c.Search(ctx, Params{Account: acct, Query: "", Limit: 5, Offset: 5})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if res.Total != 12 || len(res.Messages) != 5 {
		t.Fatalf("Total = %d, page = %d, want 12 and 5", res.Total, len(res.Messages))
	}
	if res.Messages[0].ID != "m06" || res.Messages[4].ID != "m02" {
		t.Errorf("page = %v, want newest-first m06..m02", resultIDs(res))
	}
}

func TestSearch_SyntaxError(t *testing.T) {
	_, c := newTestEngine(t, Options{})
	_, err := c.Search(context.Background(), Params{Account: acct, Query: "(unbalanced"})
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("Search() error = %v, want ErrSyntax", err)
	}
}

func TestSearch_RequiresAccount(t *testing.T) {
	_, c := newTestEngine(t, Options{})
	if _, err := c.Search(context.Background(), Params{Query: "x"}); err == nil {
		t.Fatal("Search() without account should fail")
	}
}

func TestHealth_EmptyIndexNeedsRebuild(t *testing.T) {
	sc, c := newTestEngine(t, Options{Tolerance: 2})
	ctx := context.Background()
	const n = 30
	putMessages(t, sc, sampleMessages(n))

	h, err := c.Health(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if !h.NeedsRebuild || h.Healthy || h.MessagesCount != n || h.Divergence != n {
		t.Fatalf("Health() = %+v, want needsRebuild with %d messages", h, n)
	}

	stats, err := c.Rebuild(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if stats.IndexCount != n {
		t.Errorf("IndexCount = %d, want %d", stats.IndexCount, n)
	}
	h, err = c.Health(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if !h.Healthy || h.IndexCount != n || h.Divergence != 0 {
		t.Errorf("Health() after rebuild = %+v", h)
	}
}

func TestInit_Heals(t *testing.T) {
	sc, c := newTestEngine(t, Options{Tolerance: 3, Ratio: 0.01, BatchSize: 1000, Debounce: time.Hour})
	ctx := context.Background()
	msgs := sampleMessages(20)
	ids := putMessages(t, sc, msgs[:10])

	res, err := c.Init(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if res.Action != HealRebuild || !res.After.Healthy || res.After.IndexCount != 10 {
		t.Fatalf("Init() = %+v, want rebuild to 10", res)
	}

	// Small drift stays within tolerance.
	putMessages(t, sc, msgs[10:12])
	h, err := c.Health(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if !h.Healthy || h.Divergence != 2 {
		t.Errorf("Health() = %+v, want healthy with divergence 2", h)
	}

	putMessages(t, sc, msgs[12:])
	if err := sc.BulkDelete(ctx, store.TableMessages, acct, ids[:1]); err != nil {
		t.Fatalf("BulkDelete() error: %v", err)
	}
	res, err = c.Init(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if res.Action != HealSyncMissing || !res.Before.NeedsIncrementalSync {
		t.Fatalf("Init() = %+v, want incremental sync", res)
	}
	if res.After.IndexCount != 19 || res.After.Divergence != 0 {
		t.Errorf("after heal = %+v, want 19 indexed", res.After)
	}

	sr, err := c.SyncMissing(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("SyncMissing() error: %v", err)
	}
	if sr.Added != 0 || sr.Removed != 0 {
		t.Errorf("second SyncMissing() = %+v, want no changes", sr)
	}
}

func TestIndex_DebouncedFlush(t *testing.T) {
	sc, c := newTestEngine(t, Options{BatchSize: 1000, Debounce: 20 * time.Millisecond})
	ctx := context.Background()
	ids := putMessages(t, sc, sampleMessages(5))
	if err := c.Index(ctx, acct, ids); err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := c.Stats(ctx, acct, ModeHeaders)
		if err != nil {
			t.Fatalf("Stats() error: %v", err)
		}
		if s.PendingIndex == 0 && s.IndexCount == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never flushed: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var meta Meta
	ok, err := sc.Get(ctx, store.TableIndexMeta, acct, string(ModeHeaders), &meta)
	if err != nil || !ok {
		t.Fatalf("Get(index_meta) = %v, %v", ok, err)
	}
	if meta.Count != 5 {
		t.Errorf("meta.Count = %d, want 5", meta.Count)
	}
}

func TestIndex_BatchSizeFlushesAndRemove(t *testing.T) {
	sc, c := newTestEngine(t, Options{BatchSize: 3, Debounce: time.Hour})
	ctx := context.Background()
	ids := putMessages(t, sc, sampleMessages(3))
	if err := c.Index(ctx, acct, ids); err != nil {
		t.Fatalf("Index() error: %v", err)
	}
	s, err := c.Stats(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if s.IndexCount != 3 || s.PendingIndex != 0 {
		t.Fatalf("Stats() = %+v, want a full batch flushed", s)
	}

	if err := c.Remove(ctx, acct, ids[:1]); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if s, _ = c.Stats(ctx, acct, ModeHeaders); s.PendingRemove != 1 {
		t.Errorf("PendingRemove = %d, want 1", s.PendingRemove)
	}
	h, err := c.Health(ctx, acct, ModeHeaders)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if h.IndexCount != 2 {
		t.Errorf("IndexCount = %d, want 2", h.IndexCount)
	}
}

func TestIndex_SurvivesReload(t *testing.T) {
	sc, c := newTestEngine(t, Options{})
	ctx := context.Background()
	putMessages(t, sc, sampleMessages(8))
	if _, err := c.Rebuild(ctx, acct, ModeHeaders); err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	res, err := c.Search(ctx, Params{Account: acct, Query: "invoice"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if res.Strategy != strategyIndex || res.Total != 2 {
		t.Errorf("Search() after reload = %+v, want 2 index hits", res)
	}
}

func TestSearch_FullModeIndexesBodies(t *testing.T) {
	sc, c := newTestEngine(t, Options{Modes: []Mode{ModeHeaders, ModeFull}})
	ctx := context.Background()
	ids := putMessages(t, sc, sampleMessages(4))
	body := domain.MessageBody{AccountID: acct, ID: ids[2], Text: "the password is swordfish"}
	if err := sc.Put(ctx, store.TableBodies, acct, body.ID, body); err != nil {
		t.Fatalf("Put(body) error: %v", err)
	}
	if err := c.Index(ctx, acct, ids); err != nil {
		t.Fatalf("Index() error: %v", err)
	}

	for _, tt := range []struct {
		mode Mode
		want int
	}{{ModeFull, 1}, {ModeHeaders, 0}} {
		res, err := c.Search(ctx, Params{Account: acct, Mode: tt.mode, Query: "swordfish"})
		if err != nil {
			t.Fatalf("Search(%s) error: %v", tt.mode, err)
		}
		if res.Total != tt.want {
			t.Errorf("Search(%s) total = %d, want %d", tt.mode, res.Total, tt.want)
		}
	}
}
