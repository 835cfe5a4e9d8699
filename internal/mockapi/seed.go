package mockapi

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

func defaultFolders() []Folder {
	return []Folder{
		{Path: "INBOX", Name: "Inbox"},
		{Path: "Starred", Name: "Starred", Attributes: []string{`\Flagged`}},
		{Path: "Sent", Name: "Sent", Attributes: []string{`\Sent`}},
		{Path: "Drafts", Name: "Drafts", Attributes: []string{`\Drafts`}},
		{Path: "Archive", Name: "Archive", Attributes: []string{`\Archive`}},
		{Path: "Trash", Name: "Trash", Attributes: []string{`\Trash`}},
		{Path: "Projects/Alpha", Name: "Alpha"},
	}
}

var (
	seedSenders = []string{
		"Ada Lovelace <ada@example.com>",
		"Grace Hopper <grace@example.com>",
		"Alan Turing <alan@example.org>",
		"billing@shop.example",
		"=?UTF-8?B?SsO8cmdlbiBNw7xsbGVy?= <juergen@example.de>",
	}
	seedSubjects = []string{
		"Quarterly report",
		"Lunch on Friday?",
		"Invoice %d",
		"Re: deployment window",
		"Release notes for v%d",
		"Meeting minutes",
	}
	seedFolders = []string{"INBOX", "INBOX", "INBOX", "Sent", "Archive", "Projects/Alpha"}
)

// Seed adds count generated messages to account and returns the new total.
func (s *Server) Seed(account string, count int) int {
	rng := rand.New(rand.NewSource(int64(count)))
	now := time.Now().Unix()

	s.mu.Lock()
	base := len(s.box(account).messages)
	s.mu.Unlock()

	for i := 0; i < count; i++ {
		n := base + i + 1
		subject := seedSubjects[rng.Intn(len(seedSubjects))]
		if strings.Contains(subject, "%d") {
			subject = fmt.Sprintf(subject, n)
		}
		msg := Message{
			ID:        fmt.Sprintf("m%05d", n),
			Folder:    seedFolders[rng.Intn(len(seedFolders))],
			ThreadID:  fmt.Sprintf("t%04d", n/3),
			From:      seedSenders[rng.Intn(len(seedSenders))],
			To:        []string{"me@example.com"},
			Subject:   subject,
			Snippet:   fmt.Sprintf("Generated message number %d", n),
			Timestamp: now - int64(n)*3600,
			Unread:    rng.Intn(3) == 0,
			Starred:   rng.Intn(10) == 0,
			Size:      int64(1024 + rng.Intn(64*1024)),
		}
		body := &Body{
			Text: fmt.Sprintf("Hello,\n\nThis is generated message number %d.\n", n),
			HTML: fmt.Sprintf(`<p>This is generated message <b>number %d</b>.</p><script>alert(1)</script>`, n),
		}
		s.AddMessage(account, msg, body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.box(account).messages)
}

