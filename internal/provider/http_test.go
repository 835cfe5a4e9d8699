package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/mockapi"
)

func boolPtr(b bool) *bool { return &b }

func newMockClient(t *testing.T, retries int) (*mockapi.Server, *HTTPClient) {
	t.Helper()
	srv := mockapi.New(nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client := NewHTTPClient(ts.URL, "acct", nil, HTTPOptions{
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	return srv, client
}

func TestHTTPClient_ListMessages(t *testing.T) {
	srv, client := newMockClient(t, 0)
	srv.AddMessage("acct", mockapi.Message{ID: "m1", Folder: "INBOX", Subject: "one", Timestamp: 200}, nil)
	srv.AddMessage("acct", mockapi.Message{ID: "m2", Folder: "INBOX", Subject: "two", Timestamp: 100}, nil)
	srv.AddMessage("acct", mockapi.Message{ID: "m3", Folder: "Sent", Subject: "three", Timestamp: 300}, nil)

	page, err := client.ListMessages(context.Background(), ListOptions{Folder: "INBOX", PageSize: 1})
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(page.Records) != 1 || page.Total != 2 || page.NextCursor == "" {
		t.Fatalf("page = %d records, total %d, cursor %q", len(page.Records), page.Total, page.NextCursor)
	}
	var first struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(page.Records[0], &first); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if first.ID != "m1" {
		t.Errorf("first id = %q, want m1", first.ID)
	}

	page, err = client.ListMessages(context.Background(), ListOptions{Folder: "INBOX", PageSize: 1, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("ListMessages() second page error: %v", err)
	}
	if len(page.Records) != 1 || page.NextCursor != "" {
		t.Errorf("second page = %d records, cursor %q", len(page.Records), page.NextCursor)
	}
}

func TestHTTPClient_FoldersAndBodies(t *testing.T) {
	srv, client := newMockClient(t, 0)
	srv.AddMessage("acct", mockapi.Message{ID: "m1", Folder: "INBOX"}, &mockapi.Body{Text: "hello"})

	folders, err := client.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders() error: %v", err)
	}
	if len(folders) == 0 {
		t.Error("ListFolders() returned no folders")
	}

	bodies, err := client.GetBodies(context.Background(), "INBOX", []string{"m1", "missing"})
	if err != nil {
		t.Fatalf("GetBodies() error: %v", err)
	}
	if len(bodies) != 1 {
		t.Errorf("GetBodies() = %d bodies, want 1", len(bodies))
	}
}

func TestHTTPClient_RetriesTransientFailures(t *testing.T) {
	srv, client := newMockClient(t, 3)
	srv.FailNext(2)

	if _, err := client.ListFolders(context.Background()); err != nil {
		t.Fatalf("ListFolders() error after transient failures: %v", err)
	}
	if got := srv.Calls("/v1/accounts/:account/folders"); got != 3 {
		t.Errorf("folder calls = %d, want 3", got)
	}
}

func TestHTTPClient_GivesUpAfterRetries(t *testing.T) {
	srv, client := newMockClient(t, 1)
	srv.FailNext(5)

	_, err := client.ListFolders(context.Background())
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ListFolders() error = %v, want HTTPError 503", err)
	}
	if !IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewHTTPClient(url, "acct", nil, HTTPOptions{Timeout: time.Second})
	if _, err := client.ListFolders(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("ListFolders() error = %v, want ErrOffline", err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Ping() error = %v, want ErrOffline", err)
	}
}

func TestHTTPClient_PingOffline(t *testing.T) {
	srv, client := newMockClient(t, 3)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	srv.SetOffline(true)
	if err := client.Ping(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Ping() error = %v, want ErrOffline", err)
	}
}

func TestHTTPClient_Mutate(t *testing.T) {
	srv, client := newMockClient(t, 0)
	srv.AddMessage("acct", mockapi.Message{ID: "m1", Folder: "INBOX", Unread: true}, nil)
	ctx := context.Background()

	read := domain.MutationEntry{ID: "e1", Type: domain.MutationToggleRead, TargetID: "m1",
		DesiredState: domain.DesiredState{Unread: boolPtr(false)}}
	if err := client.Mutate(ctx, read); err != nil {
		t.Fatalf("Mutate(toggleRead) error: %v", err)
	}
	if m, _ := srv.Message("acct", "m1"); m.Unread {
		t.Error("message still unread on server")
	}

	missing := domain.MutationEntry{ID: "e2", Type: domain.MutationStar, TargetID: "gone",
		DesiredState: domain.DesiredState{Starred: boolPtr(true)}}
	if err := client.Mutate(ctx, missing); !IsNotFound(err) {
		t.Errorf("Mutate(star missing) error = %v, want not found", err)
	}

	del := domain.MutationEntry{ID: "e3", Type: domain.MutationDelete, TargetID: "m1"}
	if err := client.Mutate(ctx, del); err != nil {
		t.Fatalf("Mutate(delete) error: %v", err)
	}
	if err := client.Mutate(ctx, del); err != nil {
		t.Errorf("Mutate(delete) of already deleted message error = %v, want nil", err)
	}
}

func TestHTTPClient_Send(t *testing.T) {
	srv, client := newMockClient(t, 0)
	msg := domain.OutgoingMessage{
		To:      []domain.Address{{Email: "bob@example.com"}},
		Subject: "hello",
		Body:    "hi bob",
	}
	if err := client.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if sent := srv.Sent("acct"); len(sent) != 1 || sent[0].Subject != "hello" {
		t.Errorf("Sent() = %+v", sent)
	}

	err := client.Send(context.Background(), domain.OutgoingMessage{Subject: "nobody"})
	if err == nil || IsRetryable(err) {
		t.Errorf("Send() without recipients error = %v, want permanent error", err)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name       string
		entry      domain.MutationEntry
		wantMethod string
		wantPath   string
		wantErr    bool
	}{
		{"read", domain.MutationEntry{Type: domain.MutationToggleRead, TargetID: "m1",
			DesiredState: domain.DesiredState{Unread: boolPtr(false)}},
			http.MethodPut, "/v1/accounts/a/messages/m1/read", false},
		{"star", domain.MutationEntry{Type: domain.MutationStar, TargetID: "m1",
			DesiredState: domain.DesiredState{Starred: boolPtr(true)}},
			http.MethodPut, "/v1/accounts/a/messages/m1/star", false},
		{"label", domain.MutationEntry{Type: domain.MutationLabel, TargetID: "m1",
			DesiredState: domain.DesiredState{AddLabels: []string{"Work"}}},
			http.MethodPut, "/v1/accounts/a/messages/m1/labels", false},
		{"move", domain.MutationEntry{Type: domain.MutationMove, TargetID: "m1",
			DesiredState: domain.DesiredState{Folder: "Archive"}},
			http.MethodPut, "/v1/accounts/a/messages/m1/folder", false},
		{"delete", domain.MutationEntry{Type: domain.MutationDelete, TargetID: "m/1"},
			http.MethodDelete, "/v1/accounts/a/messages/m%2F1", false},
		{"no target", domain.MutationEntry{Type: domain.MutationDelete}, "", "", true},
		{"read without state", domain.MutationEntry{Type: domain.MutationToggleRead, TargetID: "m1"}, "", "", true},
		{"move without folder", domain.MutationEntry{Type: domain.MutationMove, TargetID: "m1"}, "", "", true},
		{"unknown", domain.MutationEntry{Type: "archive", TargetID: "m1"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := Route("a", tt.entry)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Route() = %+v, want error", ep)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route() error: %v", err)
			}
			if ep.Method != tt.wantMethod || ep.Path != tt.wantPath {
				t.Errorf("Route() = %s %s, want %s %s", ep.Method, ep.Path, tt.wantMethod, tt.wantPath)
			}
		})
	}
}

func TestRoute_LabelBodyNeverNil(t *testing.T) {
	ep, err := Route("a", domain.MutationEntry{Type: domain.MutationLabel, TargetID: "m1"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	data, _ := json.Marshal(ep.Body)
	if string(data) != `{"add":[],"remove":[]}` {
		t.Errorf("label body = %s", data)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
		lo, hi time.Duration
	}{
		{"none", 0, 400 * time.Millisecond, 400 * time.Millisecond},
		{"fifth", 0.2, 320 * time.Millisecond, 400 * time.Millisecond},
		{"full", 1, 0, 400 * time.Millisecond},
		{"clamped", 3, 0, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: tt.jitter}
			for i := 0; i < 200; i++ {
				if got := b.Delay(3); got < tt.lo || got > tt.hi {
					t.Fatalf("Delay(3) = %v, want within [%v, %v]", got, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestBackoff_Retry(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: time.Millisecond}

	calls := 0
	err := b.Retry(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrOffline
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Retry() = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	permanent := &HTTPError{StatusCode: http.StatusBadRequest}
	err = b.Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("Retry() = %v after %d calls, want permanent error after 1", err, calls)
	}

	calls = 0
	err = b.Retry(context.Background(), 2, func(context.Context) error {
		calls++
		return ErrOffline
	})
	if !errors.Is(err, ErrOffline) || calls != 3 {
		t.Errorf("Retry() = %v after %d calls, want ErrOffline after 3", err, calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("parseRetryAfter(soon) = %v", got)
	}
}
