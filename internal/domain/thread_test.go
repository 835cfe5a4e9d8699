package domain

import "testing"

func TestThread_MessageCount(t *testing.T) {
	thread := &Thread{Messages: []Message{{ID: "1"}, {ID: "2"}}}
	if got := thread.MessageCount(); got != 2 {
		t.Errorf("MessageCount() = %d, want 2", got)
	}
}

func TestThread_IsUnread(t *testing.T) {
	thread := &Thread{Messages: []Message{
		{ID: "1", IsUnread: false},
		{ID: "2", IsUnread: true},
	}}
	if !thread.IsUnread() {
		t.Error("expected IsUnread() = true when one message is unread")
	}

	allRead := &Thread{Messages: []Message{{ID: "1"}, {ID: "2"}}}
	if allRead.IsUnread() {
		t.Error("expected IsUnread() = false when all messages are read")
	}
}

func TestGroupThreads(t *testing.T) {
	msgs := []Message{
		{ID: "a", ThreadID: "t1", Subject: "hello", Timestamp: 100, Labels: []string{"INBOX"}},
		{ID: "b", ThreadID: "t2", Subject: "other", Timestamp: 300},
		{ID: "c", ThreadID: "t1", Subject: "re: hello", Timestamp: 200, Snippet: "latest", Labels: []string{"INBOX", "STARRED"}},
		{ID: "d", Subject: "lonely", Timestamp: 50},
	}
	threads := GroupThreads(msgs)
	if len(threads) != 3 {
		t.Fatalf("GroupThreads() returned %d threads, want 3", len(threads))
	}
	if threads[0].ID != "t2" || threads[1].ID != "t1" || threads[2].ID != "d" {
		t.Errorf("thread order = %s,%s,%s, want t2,t1,d", threads[0].ID, threads[1].ID, threads[2].ID)
	}
	t1 := threads[1]
	if t1.MessageCount() != 2 {
		t.Errorf("t1 MessageCount() = %d, want 2", t1.MessageCount())
	}
	if t1.Snippet != "latest" || t1.LastDate != 200 {
		t.Errorf("t1 snippet/date = %q/%d, want latest/200", t1.Snippet, t1.LastDate)
	}
	if len(t1.Labels) != 2 {
		t.Errorf("t1 labels = %v, want 2 unique labels", t1.Labels)
	}
}
