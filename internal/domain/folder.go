package domain

import "strings"

type SpecialUse string

const (
	SpecialNone      SpecialUse = ""
	SpecialInbox     SpecialUse = "inbox"
	SpecialDrafts    SpecialUse = "drafts"
	SpecialSent      SpecialUse = "sent"
	SpecialStarred   SpecialUse = "starred"
	SpecialImportant SpecialUse = "important"
	SpecialArchive   SpecialUse = "archive"
	SpecialAll       SpecialUse = "all"
	SpecialSpam      SpecialUse = "spam"
	SpecialTrash     SpecialUse = "trash"
)

// Gmail system label ids that double as folder paths.
const (
	LabelInbox     = "INBOX"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
	LabelSent      = "SENT"
	LabelDraft     = "DRAFT"
	LabelTrash     = "TRASH"
	LabelSpam      = "SPAM"
	LabelUnread    = "UNREAD"
)

type Folder struct {
	AccountID   string     `json:"account_id"`
	Path        string     `json:"path"`
	ParentPath  string     `json:"parent_path,omitempty"`
	Name        string     `json:"name"`
	SpecialUse  SpecialUse `json:"special_use,omitempty"`
	UnreadCount int        `json:"unread_count"`
	TotalCount  int        `json:"total_count"`
}

// Importance ranks folders for eviction: higher survives longer.
func (f SpecialUse) Importance() float64 {
	switch f {
	case SpecialInbox, SpecialDrafts:
		return 1.0
	case SpecialStarred, SpecialImportant:
		return 0.9
	case SpecialSent:
		return 0.7
	case SpecialNone, SpecialArchive, SpecialAll:
		return 0.5
	case SpecialSpam, SpecialTrash:
		return 0.1
	}
	return 0.5
}

// GuessSpecialUse maps well-known folder names onto special-use tags.
func GuessSpecialUse(path string) SpecialUse {
	name := strings.ToLower(path)
	if i := strings.LastIndexAny(name, "/."); i >= 0 && !strings.HasPrefix(name, "[gmail]") {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "[gmail]/")
	switch name {
	case "inbox":
		return SpecialInbox
	case "drafts", "draft":
		return SpecialDrafts
	case "sent", "sent mail", "sent items", "sent messages":
		return SpecialSent
	case "starred", "flagged":
		return SpecialStarred
	case "important":
		return SpecialImportant
	case "archive":
		return SpecialArchive
	case "all mail", "all":
		return SpecialAll
	case "spam", "junk", "junk e-mail", "bulk mail":
		return SpecialSpam
	case "trash", "deleted", "deleted items", "deleted messages", "bin":
		return SpecialTrash
	}
	return SpecialNone
}
