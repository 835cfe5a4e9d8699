package domain

import (
	"slices"
	"strings"
	"time"
)

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

func (a Address) IsZero() bool {
	return a.Name == "" && a.Email == ""
}

type Attachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Well-known IMAP system flags.
const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagAnswered = `\Answered`
	FlagDraft    = `\Draft`
	FlagDeleted  = `\Deleted`
)

// Message is the cached metadata of a single remote message. Exactly one
// folder owns a message row at a time.
type Message struct {
	AccountID      string    `json:"account_id"`
	ID             string    `json:"id"`
	Folder         string    `json:"folder"`
	ThreadID       string    `json:"thread_id,omitempty"`
	From           Address   `json:"from"`
	To             []Address `json:"to,omitempty"`
	CC             []Address `json:"cc,omitempty"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet,omitempty"`
	Timestamp      int64     `json:"timestamp"`
	Flags          []string  `json:"flags,omitempty"`
	Labels         []string  `json:"labels"`
	IsUnread       bool      `json:"is_unread"`
	IsUnreadIndex  int       `json:"is_unread_index"`
	IsStarred      bool      `json:"is_starred"`
	HasAttachments bool      `json:"has_attachments"`
	Size           int64     `json:"size"`
	ModSeq         uint64    `json:"modseq"`
	UpdatedAt      int64     `json:"updatedAt"`
	Page           int       `json:"page,omitempty"`
}

// Date returns the message timestamp as a time value.
func (m *Message) Date() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(m.Timestamp, 0).UTC()
}

// SetUnread keeps IsUnread and its integer index column in step.
func (m *Message) SetUnread(unread bool) {
	m.IsUnread = unread
	m.IsUnreadIndex = UnreadIndex(unread)
}

func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func (m *Message) HasFlag(flag string) bool {
	return slices.Contains(m.Flags, flag)
}

// AddLabels appends labels not already present.
func (m *Message) AddLabels(labels ...string) {
	for _, l := range labels {
		if !m.HasLabel(l) {
			m.Labels = append(m.Labels, l)
		}
	}
}

// RemoveLabels drops the given labels, case-insensitively.
func (m *Message) RemoveLabels(labels ...string) {
	kept := m.Labels[:0:0]
	for _, l := range m.Labels {
		drop := false
		for _, r := range labels {
			if strings.EqualFold(l, r) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, l)
		}
	}
	m.Labels = kept
}

// UnreadIndex is the 0/1 form of the unread flag used for indexed lookups.
func UnreadIndex(unread bool) int {
	if unread {
		return 1
	}
	return 0
}

// MessageBody holds the sanitized content of a message. Bodies are the
// first thing evicted under quota pressure.
type MessageBody struct {
	AccountID   string       `json:"account_id"`
	ID          string       `json:"id"`
	Folder      string       `json:"folder"`
	Timestamp   int64        `json:"timestamp"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Size        int64        `json:"size"`
	FetchedAt   int64        `json:"fetched_at"`
}

// Draft is autosaved compose state. Its lifecycle is independent of the
// Message rows the server eventually returns for it.
type Draft struct {
	AccountID string    `json:"account_id"`
	ID        string    `json:"id"`
	To        []Address `json:"to,omitempty"`
	CC        []Address `json:"cc,omitempty"`
	BCC       []Address `json:"bcc,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
	UpdatedAt int64     `json:"updatedAt"`
}
