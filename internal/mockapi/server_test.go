package mockapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doRequest(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestMessages_Paging(t *testing.T) {
	s, ts := newTestServer(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		s.AddMessage("acct", Message{ID: id, Folder: "INBOX", Timestamp: int64(100 + i)}, nil)
	}

	var page struct {
		Messages   []Message `json:"messages"`
		NextCursor string    `json:"nextCursor"`
		Total      int       `json:"total"`
	}
	code := doRequest(t, http.MethodGet, ts.URL+"/v1/accounts/acct/messages?folder=INBOX&limit=2", nil, &page)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != "e" || page.Messages[1].ID != "d" {
		t.Errorf("first page = %+v, want e,d", page.Messages)
	}
	if page.NextCursor != "2" || page.Total != 5 {
		t.Errorf("cursor/total = %q/%d, want 2/5", page.NextCursor, page.Total)
	}

	doRequest(t, http.MethodGet, ts.URL+"/v1/accounts/acct/messages?folder=INBOX&limit=10&cursor=4", nil, &page)
	if len(page.Messages) != 1 || page.Messages[0].ID != "a" || page.NextCursor != "" {
		t.Errorf("last page = %+v cursor %q, want a and no cursor", page.Messages, page.NextCursor)
	}
}

func TestMutations(t *testing.T) {
	s, ts := newTestServer(t)
	s.AddMessage("acct", Message{ID: "m1", Folder: "INBOX", Unread: true, Labels: []string{"INBOX"}}, nil)
	base := ts.URL + "/v1/accounts/acct/messages/m1"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		check  func(t *testing.T, m Message)
	}{
		{"read", http.MethodPut, "/read", map[string]bool{"unread": false}, func(t *testing.T, m Message) {
			if m.Unread {
				t.Error("message still unread")
			}
		}},
		{"star", http.MethodPut, "/star", map[string]bool{"starred": true}, func(t *testing.T, m Message) {
			if !m.Starred {
				t.Error("message not starred")
			}
		}},
		{"labels", http.MethodPut, "/labels", map[string][]string{"add": {"Work"}, "remove": {"INBOX"}}, func(t *testing.T, m Message) {
			if len(m.Labels) != 1 || m.Labels[0] != "Work" {
				t.Errorf("labels = %v, want [Work]", m.Labels)
			}
		}},
		{"move", http.MethodPut, "/folder", map[string]string{"folder": "Archive"}, func(t *testing.T, m Message) {
			if m.Folder != "Archive" {
				t.Errorf("folder = %q, want Archive", m.Folder)
			}
		}},
	}
	var lastModSeq uint64
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doRequest(t, tt.method, base+tt.path, tt.body, nil); code != http.StatusOK {
				t.Fatalf("status = %d, want 200", code)
			}
			m, ok := s.Message("acct", "m1")
			if !ok {
				t.Fatal("message disappeared")
			}
			tt.check(t, m)
			if m.ModSeq <= lastModSeq {
				t.Errorf("modseq = %d, want > %d", m.ModSeq, lastModSeq)
			}
			lastModSeq = m.ModSeq
		})
	}

	if code := doRequest(t, http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", code)
	}
	if code := doRequest(t, http.MethodDelete, base, nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", code)
	}
}

func TestFaults(t *testing.T) {
	s, ts := newTestServer(t)

	s.FailNext(2)
	for i := 0; i < 2; i++ {
		if code := doRequest(t, http.MethodGet, ts.URL+"/v1/ping", nil, nil); code != http.StatusServiceUnavailable {
			t.Errorf("request %d status = %d, want 503", i, code)
		}
	}
	if code := doRequest(t, http.MethodGet, ts.URL+"/v1/ping", nil, nil); code != http.StatusOK {
		t.Errorf("status after failures = %d, want 200", code)
	}

	s.SetOffline(true)
	if code := doRequest(t, http.MethodGet, ts.URL+"/v1/accounts/acct/folders", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("offline status = %d, want 503", code)
	}
	if code := doRequest(t, http.MethodPost, ts.URL+"/admin/offline", map[string]bool{"offline": false}, nil); code != http.StatusOK {
		t.Errorf("admin offline toggle status = %d, want 200", code)
	}
	if code := doRequest(t, http.MethodGet, ts.URL+"/v1/ping", nil, nil); code != http.StatusOK {
		t.Errorf("status after coming online = %d, want 200", code)
	}
}

func TestSend(t *testing.T) {
	s, ts := newTestServer(t)
	msg := map[string]any{
		"to":      []map[string]string{{"email": "bob@example.com"}},
		"subject": "hi",
		"body":    "hello",
	}
	if code := doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/acct/send", msg, nil); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	sent := s.Sent("acct")
	if len(sent) != 1 || sent[0].Subject != "hi" {
		t.Errorf("Sent() = %+v, want one message", sent)
	}

	noRecipients := map[string]any{"subject": "nobody"}
	if code := doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/acct/send", noRecipients, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", code)
	}
}

func TestSeed(t *testing.T) {
	s, ts := newTestServer(t)
	if total := s.Seed("acct", 10); total != 10 {
		t.Errorf("Seed() total = %d, want 10", total)
	}
	var out struct {
		Folders []struct {
			Path       string `json:"path"`
			TotalCount int    `json:"total_count"`
		} `json:"folders"`
	}
	doRequest(t, http.MethodGet, ts.URL+"/v1/accounts/acct/folders", nil, &out)
	total := 0
	for _, f := range out.Folders {
		total += f.TotalCount
	}
	if total != 10 {
		t.Errorf("folder totals = %d, want 10", total)
	}
}
