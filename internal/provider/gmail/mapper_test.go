package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/jhillyerd/enmime"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/reconcile"
)

func TestLabelRecord_Normalizes(t *testing.T) {
	tests := []struct {
		label *gmailapi.Label
		want  domain.SpecialUse
	}{
		{&gmailapi.Label{Id: "INBOX", Name: "INBOX", Type: "system", MessagesTotal: 10, MessagesUnread: 2}, domain.SpecialInbox},
		{&gmailapi.Label{Id: "SENT", Name: "SENT", Type: "system"}, domain.SpecialSent},
		{&gmailapi.Label{Id: "Label_7", Name: "Projects/Alpha", Type: "user"}, domain.SpecialNone},
	}
	for _, tt := range tests {
		t.Run(tt.label.Id, func(t *testing.T) {
			raw, err := labelRecord(tt.label)
			if err != nil {
				t.Fatalf("labelRecord() error: %v", err)
			}
			f, err := reconcile.NormalizeFolder("acct", raw)
			if err != nil {
				t.Fatalf("NormalizeFolder() error: %v", err)
			}
			if f.Path != tt.label.Id || f.SpecialUse != tt.want {
				t.Errorf("folder = %+v, want path %s special %q", f, tt.label.Id, tt.want)
			}
			if f.TotalCount != int(tt.label.MessagesTotal) || f.UnreadCount != int(tt.label.MessagesUnread) {
				t.Errorf("counts = %d/%d", f.TotalCount, f.UnreadCount)
			}
		})
	}
}

func TestMetadataMessage_Normalizes(t *testing.T) {
	msg := &gmailapi.Message{
		Id:           "abc",
		ThreadId:     "thr",
		LabelIds:     []string{"INBOX", "UNREAD", "STARRED"},
		Snippet:      "Hello &amp; welcome",
		HistoryId:    4242,
		InternalDate: 1700000000000,
		SizeEstimate: 2048,
		Payload: &gmailapi.MessagePart{Headers: []*gmailapi.MessagePartHeader{
			{Name: "From", Value: "John Doe <john@example.com>"},
			{Name: "To", Value: "a@example.com, b@example.com"},
			{Name: "Subject", Value: "=?UTF-8?Q?Caf=C3=A9?="},
		}},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if shape := reconcile.DetectShape(raw); shape != reconcile.ShapeHeaderList {
		t.Fatalf("DetectShape() = %v, want header list", shape)
	}
	got, err := reconcile.NormalizeMessage("acct", "INBOX", raw)
	if err != nil {
		t.Fatalf("NormalizeMessage() error: %v", err)
	}
	if got.ID != "abc" || got.ThreadID != "thr" || got.Folder != "INBOX" {
		t.Errorf("ids = %s/%s/%s", got.ID, got.ThreadID, got.Folder)
	}
	if got.From.Email != "john@example.com" || got.From.Name != "John Doe" || len(got.To) != 2 {
		t.Errorf("addresses = %+v / %+v", got.From, got.To)
	}
	if got.Subject != "Café" || got.Snippet != "Hello & welcome" {
		t.Errorf("subject/snippet = %q/%q", got.Subject, got.Snippet)
	}
	if !got.IsUnread || !got.IsStarred || got.ModSeq != 4242 || got.Size != 2048 {
		t.Errorf("state = unread %v starred %v modseq %d size %d", got.IsUnread, got.IsStarred, got.ModSeq, got.Size)
	}
	if got.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d, want 1700000000", got.Timestamp)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		notFound  bool
	}{
		{"not found", &googleapi.Error{Code: 404, Message: "gone"}, false, true},
		{"rate limited", &googleapi.Error{Code: 429}, true, false},
		{"server error", &googleapi.Error{Code: 503}, true, false},
		{"bad request", &googleapi.Error{Code: 400}, false, false},
		{"transport", &url.Error{Op: "Get", URL: "https://gmail", Err: errors.New("connection refused")}, true, false},
		{"canceled", context.Canceled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(fmt.Errorf("wrapped: %w", tt.err))
			if got := provider.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v (%v)", got, tt.retryable, err)
			}
			if got := provider.IsNotFound(err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestBuildRawMessage(t *testing.T) {
	raw, err := buildRawMessage(domain.OutgoingMessage{
		From:      domain.Address{Name: "Me", Email: "me@example.com"},
		To:        []domain.Address{{Name: "Bob", Email: "bob@example.com"}},
		CC:        []domain.Address{{Email: "carol@example.com"}},
		Subject:   "Héllo",
		Body:      "plain body",
		HTML:      "<p>html body</p>",
		InReplyTo: "<orig@example.com>",
		Attachments: []domain.OutgoingAttachment{
			{Filename: "notes.txt", MIMEType: "text/plain", Data: []byte("some notes")},
			{Filename: "image.png", Data: []byte("\x89PNG\r\n\x1a\n0000")},
		},
	})
	if err != nil {
		t.Fatalf("buildRawMessage() error: %v", err)
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadEnvelope() error: %v", err)
	}
	if env.GetHeader("Subject") != "Héllo" {
		t.Errorf("Subject = %q", env.GetHeader("Subject"))
	}
	if !strings.Contains(env.GetHeader("To"), "bob@example.com") || !strings.Contains(env.GetHeader("Cc"), "carol@example.com") {
		t.Errorf("To/Cc = %q/%q", env.GetHeader("To"), env.GetHeader("Cc"))
	}
	if env.GetHeader("In-Reply-To") != "<orig@example.com>" {
		t.Errorf("In-Reply-To = %q", env.GetHeader("In-Reply-To"))
	}
	if strings.TrimSpace(env.Text) != "plain body" || !strings.Contains(env.HTML, "html body") {
		t.Errorf("text/html = %q/%q", env.Text, env.HTML)
	}
	if len(env.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(env.Attachments))
	}
	for _, a := range env.Attachments {
		if a.FileName == "image.png" && a.ContentType != "image/png" {
			t.Errorf("detected content type = %q, want image/png", a.ContentType)
		}
	}
}

// fakeGmail records the calls made against the Gmail REST surface.
type fakeGmail struct {
	mu    sync.Mutex
	calls []string
	body  map[string]json.RawMessage
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	key := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me")
	f.calls = append(f.calls, key)
	f.body[key] = data
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.URL.Path, "/messages/gone") {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"Not Found"}}`)
		return
	}
	fmt.Fprint(w, `{"id":"m1"}`)
}

func newFakeMailbox(t *testing.T) (*fakeGmail, *Mailbox) {
	t.Helper()
	fake := &fakeGmail{body: make(map[string]json.RawMessage)}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	mb, err := New(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}),
		option.WithEndpoint(ts.URL+"/"), option.WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return fake, mb
}

func TestMailbox_Mutate(t *testing.T) {
	unread := false
	tests := []struct {
		name     string
		entry    domain.MutationEntry
		wantCall string
		wantBody string
	}{
		{"mark read", domain.MutationEntry{Type: domain.MutationToggleRead, TargetID: "m1",
			DesiredState: domain.DesiredState{Unread: &unread}},
			"POST /messages/m1/modify", `"removeLabelIds":["UNREAD"]`},
		{"move to archive", domain.MutationEntry{Type: domain.MutationMove, TargetID: "m1",
			DesiredState: domain.DesiredState{Folder: "Label_1"}},
			"POST /messages/m1/modify", `"addLabelIds":["Label_1"],"removeLabelIds":["INBOX"]`},
		{"move to trash", domain.MutationEntry{Type: domain.MutationMove, TargetID: "m1",
			DesiredState: domain.DesiredState{Folder: "TRASH"}},
			"POST /messages/m1/trash", ""},
		{"delete missing", domain.MutationEntry{Type: domain.MutationDelete, TargetID: "gone"},
			"POST /messages/gone/trash", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, mb := newFakeMailbox(t)
			if err := mb.Mutate(context.Background(), tt.entry); err != nil {
				t.Fatalf("Mutate() error: %v", err)
			}
			if len(fake.calls) != 1 || fake.calls[0] != tt.wantCall {
				t.Fatalf("calls = %v, want [%s]", fake.calls, tt.wantCall)
			}
			if tt.wantBody != "" && !strings.Contains(string(fake.body[tt.wantCall]), tt.wantBody) {
				t.Errorf("body = %s, want %s", fake.body[tt.wantCall], tt.wantBody)
			}
		})
	}
}

func TestMailbox_MutateNotFound(t *testing.T) {
	_, mb := newFakeMailbox(t)
	starred := true
	err := mb.Mutate(context.Background(), domain.MutationEntry{Type: domain.MutationStar, TargetID: "gone",
		DesiredState: domain.DesiredState{Starred: &starred}})
	if !provider.IsNotFound(err) {
		t.Errorf("Mutate() error = %v, want not found", err)
	}
}
