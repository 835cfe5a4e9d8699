package domain

import (
	"cmp"
	"slices"
)

type Thread struct {
	ID       string
	Subject  string
	Messages []Message
	Labels   []string
	Snippet  string
	LastDate int64

	FromAddress Address
}

func (t *Thread) MessageCount() int {
	return len(t.Messages)
}

func (t *Thread) IsUnread() bool {
	for i := range t.Messages {
		if t.Messages[i].IsUnread {
			return true
		}
	}
	return false
}

// GroupThreads folds messages into threads ordered by their newest message.
// Messages without a thread id form their own thread.
func GroupThreads(msgs []Message) []Thread {
	index := make(map[string]int)
	var threads []Thread
	for _, m := range msgs {
		id := m.ThreadID
		if id == "" {
			id = m.ID
		}
		i, ok := index[id]
		if !ok {
			i = len(threads)
			index[id] = i
			threads = append(threads, Thread{ID: id, Subject: m.Subject})
		}
		t := &threads[i]
		t.Messages = append(t.Messages, m)
		if m.Timestamp >= t.LastDate {
			t.LastDate = m.Timestamp
			t.Snippet = m.Snippet
			t.FromAddress = m.From
		}
		for _, l := range m.Labels {
			if !slices.Contains(t.Labels, l) {
				t.Labels = append(t.Labels, l)
			}
		}
	}
	slices.SortStableFunc(threads, func(a, b Thread) int {
		return cmp.Compare(b.LastDate, a.LastDate)
	})
	return threads
}
