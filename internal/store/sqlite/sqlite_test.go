package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"

	"github.com/lu-zhengda/mailcore/internal/store"
)

type testDoc struct {
	ID            string `json:"id"`
	Folder        string `json:"folder"`
	Timestamp     int64  `json:"timestamp"`
	IsUnread      bool   `json:"is_unread"`
	IsUnreadIndex int    `json:"is_unread_index"`
	AccountID     string `json:"account_id,omitempty"`
}

// newTestStore starts an owner on an in-memory database and returns a client.
func newTestStore(t *testing.T) *store.Client {
	t.Helper()
	return startOwner(t, Options{Path: ":memory:"})
}

func startOwner(t *testing.T, opts Options) *store.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	owner, err := NewOwner(ctx, opts)
	if err != nil {
		cancel()
		t.Fatalf("NewOwner() error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		owner.Serve(ctx)
	}()
	c := owner.Client()
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return c
}

func seedMessages(t *testing.T, c *store.Client, account string, docs ...testDoc) {
	t.Helper()
	rows, err := store.Encode(docs, func(d testDoc) string { return d.ID })
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := c.BulkPut(context.Background(), store.TableMessages, account, rows); err != nil {
		t.Fatalf("BulkPut() error: %v", err)
	}
}

func TestOpen_CreatesTables(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer e.Close()

	var names []string
	if err := e.db.SelectContext(ctx, &names, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name"); err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	for _, want := range tableNames() {
		found := false
		for _, n := range names {
			if n == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected table %q not found in %v", want, names)
		}
	}

	var version int
	if err := e.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		t.Fatalf("read user_version error: %v", err)
	}
	if version != store.SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, store.SchemaVersion)
	}
}

func TestClient_CRUD(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	var got testDoc
	ok, err := c.Get(ctx, store.TableMessages, "acct", "m1", &got)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Fatal("Get() on empty store reported found")
	}

	if err := c.Put(ctx, store.TableMessages, "acct", "m1", testDoc{ID: "m1", Folder: "INBOX"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	ok, err = c.Get(ctx, store.TableMessages, "acct", "m1", &got)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v; want found", ok, err)
	}
	if got.Folder != "INBOX" || got.AccountID != "acct" {
		t.Errorf("Get() = %+v, want folder INBOX and account stamped", got)
	}

	if err := c.Delete(ctx, store.TableMessages, "acct", "m1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := c.Get(ctx, store.TableMessages, "acct", "m1", &got); ok {
		t.Error("Get() after Delete() reported found")
	}
}

func TestPut_DerivesUnreadIndex(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	if err := c.Put(ctx, store.TableMessages, "acct", "m1", testDoc{ID: "m1", IsUnread: true, IsUnreadIndex: 0}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	var got testDoc
	if _, err := c.Get(ctx, store.TableMessages, "acct", "m1", &got); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IsUnreadIndex != 1 {
		t.Errorf("is_unread_index = %d, want 1", got.IsUnreadIndex)
	}

	n, err := c.Count(ctx, store.TableMessages, store.Query{Account: "acct", Index: "is_unread_index", Equals: 1})
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 1 {
		t.Errorf("unread count = %d, want 1", n)
	}
}

func TestPut_RejectsNonObject(t *testing.T) {
	c := newTestStore(t)
	err := c.Put(context.Background(), store.TableMessages, "acct", "m1", []int{1, 2})
	var se *store.Error
	if !errors.As(err, &se) || se.Name != store.NameData {
		t.Errorf("Put() error = %v, want DataError", err)
	}
}

func TestRequest_RequiresAccount(t *testing.T) {
	c := newTestStore(t)
	err := c.Put(context.Background(), store.TableMessages, "", "m1", testDoc{ID: "m1"})
	if err == nil {
		t.Fatal("Put() without account should fail")
	}
}

func TestBulkGet_PreservesKeyOrder(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	seedMessages(t, c, "acct", testDoc{ID: "a"}, testDoc{ID: "b"}, testDoc{ID: "c"})

	rows, err := c.BulkGet(ctx, store.TableMessages, "acct", []string{"c", "missing", "a"})
	if err != nil {
		t.Fatalf("BulkGet() error: %v", err)
	}
	if len(rows) != 2 || rows[0].Key != "c" || rows[1].Key != "a" {
		t.Errorf("BulkGet() keys = %v, want [c a]", rows)
	}

	if err := c.BulkDelete(ctx, store.TableMessages, "acct", []string{"a", "b"}); err != nil {
		t.Fatalf("BulkDelete() error: %v", err)
	}
	n, _ := c.Count(ctx, store.TableMessages, store.Query{Account: "acct"})
	if n != 1 {
		t.Errorf("Count() after BulkDelete = %d, want 1", n)
	}
}

func TestQuery(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	seedMessages(t, c, "acct",
		testDoc{ID: "m1", Folder: "INBOX", Timestamp: 100},
		testDoc{ID: "m2", Folder: "INBOX", Timestamp: 300},
		testDoc{ID: "m3", Folder: "INBOX", Timestamp: 200},
		testDoc{ID: "m4", Folder: "Archive/2023", Timestamp: 50},
		testDoc{ID: "m5", Folder: "Archive/2024", Timestamp: 60},
	)
	seedMessages(t, c, "other", testDoc{ID: "x1", Folder: "INBOX", Timestamp: 999})

	tests := []struct {
		name string
		q    store.Query
		want []string
	}{
		{"equals ordered by timestamp desc",
			store.Query{Account: "acct", Index: "folder", Equals: "INBOX", OrderBy: "timestamp", Reverse: true},
			[]string{"m2", "m3", "m1"}},
		{"equals with limit and offset",
			store.Query{Account: "acct", Index: "folder", Equals: "INBOX", OrderBy: "timestamp", Limit: 1, Offset: 1},
			[]string{"m3"}},
		{"between inclusive",
			store.Query{Account: "acct", Index: "timestamp", Between: &store.Range{Lower: 60, Upper: 200}},
			[]string{"m5", "m1", "m3"}},
		{"starts with",
			store.Query{Account: "acct", Index: "folder", StartsWith: "Archive/"},
			[]string{"m4", "m5"}},
		{"primary key order",
			store.Query{Account: "acct", Limit: 2},
			[]string{"m1", "m2"}},
		{"other account isolated",
			store.Query{Account: "other"},
			[]string{"x1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := c.Keys(ctx, store.TableMessages, tt.q)
			if err != nil {
				t.Fatalf("Keys() error: %v", err)
			}
			if len(keys) != len(tt.want) {
				t.Fatalf("Keys() = %v, want %v", keys, tt.want)
			}
			for i := range keys {
				if keys[i] != tt.want[i] {
					t.Errorf("Keys()[%d] = %q, want %q (all: %v)", i, keys[i], tt.want[i], keys)
				}
			}
			rows, err := c.Query(ctx, store.TableMessages, tt.q)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(rows) != len(keys) {
				t.Errorf("Query() returned %d rows, Keys() %d", len(rows), len(keys))
			}
		})
	}

	if _, err := c.Query(ctx, store.TableMessages, store.Query{Account: "acct", Index: "nope", Equals: "x"}); err == nil {
		t.Error("Query() with unknown index should fail")
	}
}

func TestTransaction_Atomic(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	doc, _ := json.Marshal(testDoc{ID: "m1"})
	put, _ := json.Marshal(store.PutPayload{Account: "acct", Key: "m1", Value: doc})
	ops := []store.TxOp{
		{Action: store.ActionPut, Table: store.TableMessages, Payload: put},
		{Action: store.ActionPut, Table: store.TableFolders, Payload: put},
	}
	if _, err := c.Transaction(ctx, store.ReadWrite, []string{store.TableMessages}, ops); err == nil {
		t.Fatal("Transaction() with undeclared table should fail")
	}
	if ok, _ := c.Get(ctx, store.TableMessages, "acct", "m1", &testDoc{}); ok {
		t.Error("first op of failed transaction was committed")
	}

	err := c.Begin(store.ReadWrite).
		Put(store.TableMessages, "acct", "m1", testDoc{ID: "m1"}).
		Put(store.TableManifests, "acct", "INBOX", map[string]any{"folder": "INBOX", "position": 1}).
		Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if ok, _ := c.Get(ctx, store.TableManifests, "acct", "INBOX", &map[string]any{}); !ok {
		t.Error("manifest from committed transaction not found")
	}
}

func TestTransaction_ReadOnlyRejectsWrites(t *testing.T) {
	c := newTestStore(t)
	err := c.Begin(store.ReadOnly).Put(store.TableMessages, "acct", "m1", testDoc{ID: "m1"}).Commit(context.Background())
	var se *store.Error
	if !errors.As(err, &se) || se.Name != store.NameReadOnly {
		t.Errorf("Commit() error = %v, want ReadOnlyError", err)
	}
}

func TestUsage(t *testing.T) {
	c := startOwner(t, Options{Path: ":memory:", QuotaBytes: 64 << 20})
	seedMessages(t, c, "acct", testDoc{ID: "m1", Folder: "INBOX"}, testDoc{ID: "m2", Folder: "INBOX"})

	u, err := c.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if u.UsedBytes <= 0 || u.PageSize <= 0 {
		t.Errorf("Usage() = %+v, want positive sizes", u)
	}
	if u.QuotaBytes != 64<<20 {
		t.Errorf("QuotaBytes = %d, want %d", u.QuotaBytes, 64<<20)
	}
	if got := u.Tables[store.TableMessages].Rows; got != 2 {
		t.Errorf("messages rows = %d, want 2", got)
	}
}

func TestOpen_VersionMismatchRecreates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := e.Do(ctx, store.ActionPut, store.TableMessages,
		json.RawMessage(`{"account":"acct","key":"m1","value":{"id":"m1"}}`)); err != nil {
		t.Fatalf("Do(put) error: %v", err)
	}
	if _, err := e.db.ExecContext(ctx, "PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version error: %v", err)
	}
	e.Close()

	e, err = Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer e.Close()
	got, err := e.Do(ctx, store.ActionGet, store.TableMessages, json.RawMessage(`{"account":"acct","key":"m1"}`))
	if err != nil {
		t.Fatalf("Do(get) error: %v", err)
	}
	if raw, _ := got.(json.RawMessage); raw != nil {
		t.Errorf("row survived version mismatch: %s", raw)
	}
}

func TestOpen_NotADatabaseRecreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("not a sqlite file "), 512), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := Open(context.Background(), Options{Path: path})
	if err != nil {
		t.Fatalf("Open() on garbage file error: %v", err)
	}
	e.Close()
}

func TestScrubMalformedKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	insert := `INSERT INTO messages (account_id, key, doc) VALUES (?, ?, '{}')`
	for _, key := range []string{"undefined", "null", "", "acct:m9", "good"} {
		if _, err := e.db.ExecContext(ctx, insert, "acct", key); err != nil {
			t.Fatalf("insert %q error: %v", key, err)
		}
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, scrubSentinel); err != nil {
		t.Fatalf("delete sentinel error: %v", err)
	}
	e.Close()

	e, err = Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	var keys []string
	if err := e.db.SelectContext(ctx, &keys, `SELECT key FROM messages ORDER BY key`); err != nil {
		t.Fatalf("select keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "good" {
		t.Errorf("keys after scrub = %v, want [good]", keys)
	}

	// The sentinel keeps later opens from scrubbing again.
	if _, err := e.db.ExecContext(ctx, insert, "acct", "undefined"); err != nil {
		t.Fatalf("insert error: %v", err)
	}
	e.Close()
	e, err = Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer e.Close()
	var n int
	if err := e.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatalf("count error: %v", err)
	}
	if n != 2 {
		t.Errorf("rows after second open = %d, want 2", n)
	}
}

func TestOwner_RecoverBroadcastsReset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	owner, err := NewOwner(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("NewOwner() error: %v", err)
	}
	if _, err := owner.engine.Do(ctx, store.ActionPut, store.TableMessages,
		json.RawMessage(`{"account":"acct","key":"m1","value":{"id":"m1"}}`)); err != nil {
		t.Fatalf("Do(put) error: %v", err)
	}

	var reasons []string
	owner.OnReset(func(ev store.ResetEvent) { reasons = append(reasons, ev.Reason) })
	owner.recover(ctx, &store.Error{Name: store.NameCorrupt})

	if len(reasons) != 1 || reasons[0] != store.NameCorrupt {
		t.Errorf("reset hooks saw %v, want [%s]", reasons, store.NameCorrupt)
	}
	got, err := owner.engine.Do(ctx, store.ActionGet, store.TableMessages, json.RawMessage(`{"account":"acct","key":"m1"}`))
	if err != nil {
		t.Fatalf("Do(get) after recover error: %v", err)
	}
	if raw, _ := got.(json.RawMessage); raw != nil {
		t.Errorf("row survived recovery: %s", raw)
	}
	owner.engine.Close()
}

func TestOwner_RecoverKeepsLocalChanges(t *testing.T) {
	durable := []struct {
		table, account, key string
	}{
		{store.TableMutations, "acct", "00000000000000000001"},
		{store.TableMutations, "other", "00000000000000000001"},
		{store.TableOutbox, "acct", "o1"},
		{store.TableDrafts, "acct", "d1"},
		{store.TableSettings, "acct", "start_folder"},
	}
	for _, reason := range []string{store.NameQuotaExceeded, store.NameCorrupt, store.NameVersion} {
		t.Run(reason, func(t *testing.T) {
			ctx := context.Background()
			owner, err := NewOwner(ctx, Options{Path: filepath.Join(t.TempDir(), "store.db")})
			if err != nil {
				t.Fatalf("NewOwner() error: %v", err)
			}
			defer owner.engine.Close()

			put := func(table, account, key string) {
				t.Helper()
				payload, _ := json.Marshal(store.PutPayload{Account: account, Key: key, Value: json.RawMessage(`{"id":"` + key + `"}`)})
				if _, err := owner.engine.Do(ctx, store.ActionPut, table, payload); err != nil {
					t.Fatalf("Do(put %s) error: %v", table, err)
				}
			}
			put(store.TableMessages, "acct", "m1")
			for _, d := range durable {
				put(d.table, d.account, d.key)
			}

			owner.recover(ctx, &store.Error{Name: reason})

			get := func(table, account, key string) json.RawMessage {
				t.Helper()
				payload, _ := json.Marshal(store.KeyPayload{Account: account, Key: key})
				got, err := owner.engine.Do(ctx, store.ActionGet, table, payload)
				if err != nil {
					t.Fatalf("Do(get %s) error: %v", table, err)
				}
				raw, _ := got.(json.RawMessage)
				return raw
			}
			if raw := get(store.TableMessages, "acct", "m1"); raw != nil {
				t.Errorf("cached message survived recovery: %s", raw)
			}
			for _, d := range durable {
				raw := get(d.table, d.account, d.key)
				var doc map[string]any
				if err := json.Unmarshal(raw, &doc); err != nil || doc["id"] != d.key || doc["account_id"] != d.account {
					t.Errorf("%s %s/%s after recovery = %s", d.table, d.account, d.key, raw)
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        string
		recoverable bool
	}{
		{"full", sqlite3.Error{Code: sqlite3.ErrFull}, store.NameQuotaExceeded, true},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, store.NameBlocked, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, store.NameBlocked, true},
		{"abort", sqlite3.Error{Code: sqlite3.ErrAbort}, store.NameAbort, true},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, store.NameCorrupt, true},
		{"not a db", sqlite3.Error{Code: sqlite3.ErrNotADB}, store.NameCorrupt, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, store.NameConstraint, false},
		{"cancelled", context.Canceled, store.NameTimeout, false},
		{"plain", errors.New("x"), store.NameUnknown, false},
		{"version", &store.Error{Name: store.NameVersion}, store.NameVersion, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if got.Name != tt.want {
				t.Errorf("classify() name = %q, want %q", got.Name, tt.want)
			}
			if got.Recoverable() != tt.recoverable {
				t.Errorf("Recoverable() = %v, want %v", got.Recoverable(), tt.recoverable)
			}
		})
	}
}
