package cli

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaytaylor/html2text"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/search"
	"github.com/lu-zhengda/mailcore/internal/store"
	mailsync "github.com/lu-zhengda/mailcore/internal/sync"
)

// ---------------------------------------------------------------------------
// Account JSON types (account list)
// ---------------------------------------------------------------------------

type jsonAccount struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
	Default  bool   `json:"default"`
	HasToken bool   `json:"has_token"`
}

func toJSONAccount(a domain.Account, isDefault, hasToken bool) jsonAccount {
	return jsonAccount{
		ID:       a.ID,
		Email:    a.Email,
		Provider: a.Provider,
		Default:  isDefault,
		HasToken: hasToken,
	}
}

// ---------------------------------------------------------------------------
// Message JSON types (list, read, search)
// ---------------------------------------------------------------------------

type jsonMessage struct {
	ID             string        `json:"id"`
	ThreadID       string        `json:"thread_id,omitempty"`
	Folder         string        `json:"folder"`
	From           jsonAddress   `json:"from"`
	To             []jsonAddress `json:"to,omitempty"`
	CC             []jsonAddress `json:"cc,omitempty"`
	Subject        string        `json:"subject"`
	Snippet        string        `json:"snippet,omitempty"`
	Body           string        `json:"body,omitempty"`
	Date           string        `json:"date"`
	IsRead         bool          `json:"is_read"`
	IsStarred      bool          `json:"is_starred"`
	HasAttachments bool          `json:"has_attachments,omitempty"`
	Labels         []string      `json:"labels,omitempty"`
}

func toJSONMessage(m domain.Message) jsonMessage {
	date := ""
	if !m.Date().IsZero() {
		date = m.Date().Format(time.RFC3339)
	}
	return jsonMessage{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Folder:         m.Folder,
		From:           toJSONAddress(m.From),
		To:             toJSONAddresses(m.To),
		CC:             toJSONAddresses(m.CC),
		Subject:        m.Subject,
		Snippet:        m.Snippet,
		Date:           date,
		IsRead:         !m.IsUnread,
		IsStarred:      m.IsStarred,
		HasAttachments: m.HasAttachments,
		Labels:         m.Labels,
	}
}

func toJSONMessages(msgs []domain.Message) []jsonMessage {
	out := make([]jsonMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toJSONMessage(m))
	}
	return out
}

// bodyText prefers the plain text part and falls back to a text rendering
// of the sanitized HTML.
func bodyText(b domain.MessageBody) string {
	if strings.TrimSpace(b.Text) != "" || b.HTML == "" {
		return b.Text
	}
	text, err := html2text.FromString(b.HTML, html2text.Options{})
	if err != nil {
		return b.HTML
	}
	return text
}

type jsonThread struct {
	ID       string      `json:"id"`
	Subject  string      `json:"subject"`
	From     jsonAddress `json:"from"`
	Snippet  string      `json:"snippet,omitempty"`
	Date     string      `json:"date"`
	Count    int         `json:"count"`
	IsUnread bool        `json:"is_unread"`
	Labels   []string    `json:"labels,omitempty"`
}

func toJSONThreads(threads []domain.Thread) []jsonThread {
	out := make([]jsonThread, 0, len(threads))
	for i := range threads {
		t := &threads[i]
		j := jsonThread{
			ID:       t.ID,
			Subject:  t.Subject,
			From:     toJSONAddress(t.FromAddress),
			Snippet:  t.Snippet,
			Count:    t.MessageCount(),
			IsUnread: t.IsUnread(),
			Labels:   t.Labels,
		}
		if t.LastDate > 0 {
			j.Date = time.Unix(t.LastDate, 0).UTC().Format(time.RFC3339)
		}
		out = append(out, j)
	}
	return out
}

type jsonSearch struct {
	Total    int           `json:"total"`
	Strategy string        `json:"strategy"`
	Messages []jsonMessage `json:"messages"`
}

type jsonIndex struct {
	Mode   string        `json:"mode"`
	Health search.Health `json:"health"`
	Terms  int           `json:"terms"`
}

// ---------------------------------------------------------------------------
// Folder JSON type (folders)
// ---------------------------------------------------------------------------

type jsonFolder struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	SpecialUse string `json:"special_use,omitempty"`
	Unread     int    `json:"unread"`
	Total      int    `json:"total"`
}

func toJSONFolders(folders []domain.Folder) []jsonFolder {
	out := make([]jsonFolder, 0, len(folders))
	for _, f := range folders {
		out = append(out, jsonFolder{
			Path:       f.Path,
			Name:       f.Name,
			SpecialUse: string(f.SpecialUse),
			Unread:     f.UnreadCount,
			Total:      f.TotalCount,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Status and storage JSON types (status, store usage)
// ---------------------------------------------------------------------------

type jsonUsage struct {
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	Used       string  `json:"used"`
	Quota      string  `json:"quota"`
	Percent    float64 `json:"percent"`
}

func toJSONUsage(u store.Usage) jsonUsage {
	out := jsonUsage{
		UsedBytes:  u.UsedBytes,
		QuotaBytes: u.QuotaBytes,
		Used:       humanBytes(u.UsedBytes),
		Quota:      "unlimited",
	}
	if u.QuotaBytes > 0 {
		out.Quota = humanBytes(u.QuotaBytes)
		out.Percent = float64(u.UsedBytes) * 100 / float64(u.QuotaBytes)
	}
	return out
}

type jsonStatus struct {
	Account string          `json:"account"`
	Online  bool            `json:"online"`
	Sync    mailsync.Status `json:"sync"`
	Queued  int             `json:"queued"`
	Outbox  int             `json:"outbox"`
	Usage   jsonUsage       `json:"usage"`
}

// ---------------------------------------------------------------------------
// Outbox JSON type (outbox list)
// ---------------------------------------------------------------------------

type jsonOutboxItem struct {
	ID          string        `json:"id"`
	To          []jsonAddress `json:"to"`
	Subject     string        `json:"subject"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	NextAttempt string        `json:"next_attempt,omitempty"`
	Attachments int           `json:"attachments,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

func toJSONOutbox(items []domain.OutboxItem) []jsonOutboxItem {
	out := make([]jsonOutboxItem, 0, len(items))
	for _, it := range items {
		j := jsonOutboxItem{
			ID:          it.ID,
			To:          toJSONAddresses(it.Message.To),
			Subject:     it.Message.Subject,
			Status:      string(it.Status),
			Attempts:    it.Attempts,
			Attachments: len(it.Message.Attachments),
			LastError:   it.LastError,
		}
		if it.NextAttemptAt > 0 {
			j.NextAttempt = time.Unix(it.NextAttemptAt, 0).UTC().Format(time.RFC3339)
		}
		out = append(out, j)
	}
	return out
}

// ---------------------------------------------------------------------------
// Address JSON type (shared)
// ---------------------------------------------------------------------------

type jsonAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func toJSONAddress(a domain.Address) jsonAddress {
	return jsonAddress{Name: a.Name, Email: a.Email}
}

func toJSONAddresses(addrs []domain.Address) []jsonAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]jsonAddress, len(addrs))
	for i, a := range addrs {
		out[i] = toJSONAddress(a)
	}
	return out
}

// ---------------------------------------------------------------------------
// Action JSON type (sync, mutations, send, queue, reset)
// ---------------------------------------------------------------------------

type jsonAction struct {
	OK         bool     `json:"ok"`
	Action     string   `json:"action"`
	MessageID  string   `json:"message_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Email      string   `json:"email,omitempty"`
	AccountID  string   `json:"account_id,omitempty"`
	Failed     int      `json:"failed,omitempty"`
	Pending    int      `json:"pending,omitempty"`
	Queued     bool     `json:"queued,omitempty"`
	Files      []string `json:"files,omitempty"`
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
