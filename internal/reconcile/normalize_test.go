package reconcile

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

func TestNormalizeMessage_Shapes(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantShape   Shape
		wantID      string
		wantFrom    domain.Address
		wantSubject string
		wantUnread  bool
		wantStarred bool
		wantTS      int64
		wantModSeq  uint64
	}{
		{
			name:        "flat",
			raw:         `{"id":"m1","from":"Alice <alice@example.com>","subject":"Hi","timestamp":1700000000,"unread":true,"labels":["INBOX"],"modseq":42}`,
			wantShape:   ShapeFlat,
			wantID:      "m1",
			wantFrom:    domain.Address{Name: "Alice", Email: "alice@example.com"},
			wantSubject: "Hi",
			wantUnread:  true,
			wantTS:      1700000000,
			wantModSeq:  42,
		},
		{
			name:        "envelope",
			raw:         `{"uid":17,"flags":["\\Seen","\\Flagged"],"envelope":{"subject":"=?UTF-8?B?SGVsbG8gV29ybGQ=?=","from":[{"name":"Bob","mailbox":"bob","host":"example.org"}],"date":"Mon, 02 Jan 2006 15:04:05 -0700"}}`,
			wantShape:   ShapeEnvelope,
			wantID:      "17",
			wantFrom:    domain.Address{Name: "Bob", Email: "bob@example.org"},
			wantSubject: "Hello World",
			wantStarred: true,
			wantTS:      time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC).Unix(),
		},
		{
			name:        "header list",
			raw:         `{"id":"g1","threadId":"t1","labelIds":["INBOX","UNREAD","STARRED"],"snippet":"it&#39;s here","internalDate":"1700000000000","historyId":"991","payload":{"headers":[{"name":"From","value":"\"Carol\" <carol@example.net>"},{"name":"Subject","value":"Report"}]}}`,
			wantShape:   ShapeHeaderList,
			wantID:      "g1",
			wantFrom:    domain.Address{Name: "Carol", Email: "carol@example.net"},
			wantSubject: "Report",
			wantUnread:  true,
			wantStarred: true,
			wantTS:      1700000000,
			wantModSeq:  991,
		},
		{
			name:        "alternate field names",
			raw:         `{"messageId":"x9","sender":{"displayName":"Dee","emailAddress":"dee@example.com"},"title":"Alt","receivedAt":"2024-03-01T10:00:00Z","isRead":true,"flagged":true}`,
			wantShape:   ShapeFlat,
			wantID:      "x9",
			wantFrom:    domain.Address{Name: "Dee", Email: "dee@example.com"},
			wantSubject: "Alt",
			wantStarred: true,
			wantTS:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Unix(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectShape(json.RawMessage(tt.raw)); got != tt.wantShape {
				t.Errorf("DetectShape() = %v, want %v", got, tt.wantShape)
			}
			msg, err := NormalizeMessage("acct", "INBOX", json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("NormalizeMessage() error: %v", err)
			}
			if msg.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", msg.ID, tt.wantID)
			}
			if msg.AccountID != "acct" || msg.Folder != "INBOX" {
				t.Errorf("account/folder = %q/%q, want acct/INBOX", msg.AccountID, msg.Folder)
			}
			if msg.From != tt.wantFrom {
				t.Errorf("From = %+v, want %+v", msg.From, tt.wantFrom)
			}
			if msg.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", msg.Subject, tt.wantSubject)
			}
			if msg.IsUnread != tt.wantUnread {
				t.Errorf("IsUnread = %v, want %v", msg.IsUnread, tt.wantUnread)
			}
			if msg.IsUnreadIndex != domain.UnreadIndex(tt.wantUnread) {
				t.Errorf("IsUnreadIndex = %d, want %d", msg.IsUnreadIndex, domain.UnreadIndex(tt.wantUnread))
			}
			if msg.IsStarred != tt.wantStarred {
				t.Errorf("IsStarred = %v, want %v", msg.IsStarred, tt.wantStarred)
			}
			if msg.Timestamp != tt.wantTS {
				t.Errorf("Timestamp = %d, want %d", msg.Timestamp, tt.wantTS)
			}
			if msg.ModSeq != tt.wantModSeq {
				t.Errorf("ModSeq = %d, want %d", msg.ModSeq, tt.wantModSeq)
			}
		})
	}
}

func TestNormalizeMessage_HeaderListDetails(t *testing.T) {
	raw := `{"id":"g1","threadId":"t1","snippet":"it&#39;s here","payload":{"headers":[{"name":"To","value":"a@example.com, B <b@example.com>"}]}}`
	msg, err := NormalizeMessage("acct", "INBOX", json.RawMessage(raw))
	if err != nil {
		t.Fatalf("NormalizeMessage() error: %v", err)
	}
	if msg.ThreadID != "t1" {
		t.Errorf("ThreadID = %q, want t1", msg.ThreadID)
	}
	if msg.Snippet != "it's here" {
		t.Errorf("Snippet = %q, want %q", msg.Snippet, "it's here")
	}
	if len(msg.To) != 2 || msg.To[1].Name != "B" {
		t.Errorf("To = %+v, want two addresses", msg.To)
	}
	if msg.Labels != nil {
		t.Errorf("Labels = %v, want nil when omitted", msg.Labels)
	}
}

func TestNormalizeMessage_Rejects(t *testing.T) {
	for _, raw := range []string{`{"subject":"no id"}`, `{"id":"undefined"}`, `not json`, `null`} {
		_, err := NormalizeMessage("acct", "INBOX", json.RawMessage(raw))
		if !errors.Is(err, ErrUnnormalizable) {
			t.Errorf("NormalizeMessage(%s) error = %v, want ErrUnnormalizable", raw, err)
		}
	}
}

func TestNormalizeMessages_SkipsAndDedupes(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"a","subject":"first"}`),
		json.RawMessage(`{"subject":"broken"}`),
		json.RawMessage(`{"id":"b"}`),
		json.RawMessage(`{"id":"a","subject":"second"}`),
	}
	msgs, skipped := NormalizeMessages("acct", "INBOX", raws)
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "a" || msgs[0].Subject != "second" {
		t.Errorf("msgs[0] = %s/%q, want a/second", msgs[0].ID, msgs[0].Subject)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantEmail string
	}{
		{"name and email", "John Doe <john@example.com>", "John Doe", "john@example.com"},
		{"email in angle brackets", "<john@example.com>", "", "john@example.com"},
		{"bare email", "john@example.com", "", "john@example.com"},
		{"quoted name", `"Jane Doe" <jane@example.com>`, "Jane Doe", "jane@example.com"},
		{"encoded name", "=?ISO-8859-1?Q?Andr=E9?= <andre@example.com>", "André", "andre@example.com"},
		{"empty string", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAddress(tt.input)
			if got.Name != tt.wantName {
				t.Errorf("parseAddress(%q).Name = %q, want %q", tt.input, got.Name, tt.wantName)
			}
			if got.Email != tt.wantEmail {
				t.Errorf("parseAddress(%q).Email = %q, want %q", tt.input, got.Email, tt.wantEmail)
			}
		})
	}
}

func TestParseAddressList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"single address", "john@example.com", 1},
		{"multiple addresses", "john@example.com, jane@example.com", 2},
		{"with names", "John <john@example.com>, Jane <jane@example.com>", 2},
		{"empty string", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAddressList(tt.input)
			if len(got) != tt.want {
				t.Errorf("parseAddressList(%q) returned %d addresses, want %d", tt.input, len(got), tt.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"RFC1123Z", "Mon, 02 Jan 2006 15:04:05 -0700", time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))},
		{"single-digit day", "Mon, 2 Jan 2006 15:04:05 -0700", time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))},
		{"RFC3339", "2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch seconds", "1700000000", time.Unix(1700000000, 0)},
		{"epoch millis", "1700000000123", time.UnixMilli(1700000000123)},
		{"empty", "", time.Time{}},
		{"garbage", "not a date", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDate(tt.input)
			if !got.Equal(tt.want) {
				t.Errorf("parseDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain subject", "plain subject"},
		{"=?UTF-8?B?SGVsbG8gV29ybGQ=?=", "Hello World"},
		{"=?ISO-8859-1?Q?caf=E9?= time", "café time"},
		{"=?bogus", "=?bogus"},
	}
	for _, tt := range tests {
		if got := decodeHeader(tt.input); got != tt.want {
			t.Errorf("decodeHeader(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeFolder(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantPath   string
		wantName   string
		wantParent string
		wantUse    domain.SpecialUse
		wantUnread int
	}{
		{
			name:       "nested gmail path",
			raw:        `{"path":"[Gmail]/Sent Mail","delimiter":"/"}`,
			wantPath:   "[Gmail]/Sent Mail",
			wantName:   "Sent Mail",
			wantParent: "[Gmail]",
			wantUse:    domain.SpecialSent,
		},
		{
			name:     "special-use attribute",
			raw:      `{"name":"Old Stuff","attributes":["\\HasNoChildren","\\Archive"]}`,
			wantPath: "Old Stuff",
			wantName: "Old Stuff",
			wantUse:  domain.SpecialArchive,
		},
		{
			name:       "gmail system label",
			raw:        `{"id":"STARRED","name":"STARRED","type":"system","messagesUnread":3}`,
			wantPath:   "STARRED",
			wantName:   "STARRED",
			wantUse:    domain.SpecialStarred,
			wantUnread: 3,
		},
		{
			name:     "explicit special use",
			raw:      `{"path":"Posteingang","special_use":"inbox","unread_count":7}`,
			wantPath:   "Posteingang",
			wantName:   "Posteingang",
			wantUse:    domain.SpecialInbox,
			wantUnread: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NormalizeFolder("acct", json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("NormalizeFolder() error: %v", err)
			}
			if f.Path != tt.wantPath || f.Name != tt.wantName || f.ParentPath != tt.wantParent {
				t.Errorf("folder = %q/%q/%q, want %q/%q/%q", f.Path, f.Name, f.ParentPath, tt.wantPath, tt.wantName, tt.wantParent)
			}
			if f.SpecialUse != tt.wantUse {
				t.Errorf("SpecialUse = %q, want %q", f.SpecialUse, tt.wantUse)
			}
			if f.UnreadCount != tt.wantUnread {
				t.Errorf("UnreadCount = %d, want %d", f.UnreadCount, tt.wantUnread)
			}
		})
	}
}
