package domain

import (
	"errors"
	"testing"
)

func TestAddress_String(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"with name", Address{Name: "John", Email: "john@example.com"}, "John <john@example.com>"},
		{"email only", Address{Email: "john@example.com"}, "john@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.String(); got != tt.want {
				t.Errorf("Address.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_SetUnread(t *testing.T) {
	var m Message
	m.SetUnread(true)
	if !m.IsUnread || m.IsUnreadIndex != 1 {
		t.Errorf("SetUnread(true) = %v/%d, want true/1", m.IsUnread, m.IsUnreadIndex)
	}
	m.SetUnread(false)
	if m.IsUnread || m.IsUnreadIndex != 0 {
		t.Errorf("SetUnread(false) = %v/%d, want false/0", m.IsUnread, m.IsUnreadIndex)
	}
}

func TestMessage_Labels(t *testing.T) {
	m := &Message{Labels: []string{"INBOX", "STARRED"}}
	if !m.HasLabel("inbox") {
		t.Error("expected HasLabel(inbox) = true")
	}
	if m.HasLabel("TRASH") {
		t.Error("expected HasLabel(TRASH) = false")
	}
	m.AddLabels("Work", "INBOX")
	if len(m.Labels) != 3 {
		t.Errorf("labels after AddLabels = %v, want 3", m.Labels)
	}
	m.RemoveLabels("starred")
	if m.HasLabel("STARRED") || len(m.Labels) != 2 {
		t.Errorf("labels after RemoveLabels = %v", m.Labels)
	}
}

func TestMutationEntry_Apply(t *testing.T) {
	unread := false
	starred := true
	tests := []struct {
		name  string
		entry MutationEntry
		check func(t *testing.T, m Message, keep bool)
	}{
		{
			name:  "toggle read",
			entry: MutationEntry{Type: MutationToggleRead, DesiredState: DesiredState{Unread: &unread}},
			check: func(t *testing.T, m Message, keep bool) {
				if m.IsUnread || m.IsUnreadIndex != 0 || !m.HasFlag(FlagSeen) {
					t.Errorf("message not marked read: %+v", m)
				}
			},
		},
		{
			name:  "star",
			entry: MutationEntry{Type: MutationStar, DesiredState: DesiredState{Starred: &starred}},
			check: func(t *testing.T, m Message, keep bool) {
				if !m.IsStarred || !m.HasFlag(FlagFlagged) {
					t.Errorf("message not starred: %+v", m)
				}
			},
		},
		{
			name:  "move",
			entry: MutationEntry{Type: MutationMove, DesiredState: DesiredState{Folder: "Archive"}},
			check: func(t *testing.T, m Message, keep bool) {
				if m.Folder != "Archive" {
					t.Errorf("folder = %q, want Archive", m.Folder)
				}
			},
		},
		{
			name:  "delete",
			entry: MutationEntry{Type: MutationDelete},
			check: func(t *testing.T, m Message, keep bool) {
				if keep {
					t.Error("Apply() for delete should report false")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{ID: "m1", Folder: "INBOX"}
			m.SetUnread(true)
			keep := tt.entry.Apply(&m)
			tt.check(t, m, keep)
		})
	}
}

func TestMutationEntry_ApplyTwice(t *testing.T) {
	unread := false
	e := MutationEntry{Type: MutationToggleRead, DesiredState: DesiredState{Unread: &unread}}
	m := Message{ID: "m1"}
	m.SetUnread(true)
	e.Apply(&m)
	once := len(m.Flags)
	e.Apply(&m)
	if len(m.Flags) != once || m.IsUnread {
		t.Errorf("second Apply() changed state: flags=%v unread=%v", m.Flags, m.IsUnread)
	}
}

func TestSyncManifest_Advance(t *testing.T) {
	cur := SyncManifest{Folder: "INBOX", Position: 50, PagesFetched: 1, LastModSeq: 10}

	next, err := cur.Advance(SyncManifest{Folder: "INBOX", Position: 100, PagesFetched: 2, LastModSeq: 5})
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if next.LastModSeq != 10 {
		t.Errorf("LastModSeq = %d, want 10 (never lowered)", next.LastModSeq)
	}

	_, err = cur.Advance(SyncManifest{Folder: "INBOX", Position: 10, PagesFetched: 1})
	if !errors.Is(err, ErrCursorRegression) {
		t.Errorf("Advance() backwards error = %v, want ErrCursorRegression", err)
	}

	if r := cur.Reset(); r.Started() || r.Position != 0 {
		t.Errorf("Reset() = %+v, want empty manifest", r)
	}
}

func TestGuessSpecialUse(t *testing.T) {
	tests := []struct {
		path string
		want SpecialUse
	}{
		{"INBOX", SpecialInbox},
		{"[Gmail]/Sent Mail", SpecialSent},
		{"INBOX.Trash", SpecialTrash},
		{"Junk", SpecialSpam},
		{"Projects/2024", SpecialNone},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := GuessSpecialUse(tt.path); got != tt.want {
				t.Errorf("GuessSpecialUse(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
