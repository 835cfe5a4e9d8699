package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// specialUseAttrs maps RFC 6154 attributes and Gmail system label ids.
var specialUseAttrs = map[string]domain.SpecialUse{
	`\inbox`:     domain.SpecialInbox,
	`\drafts`:    domain.SpecialDrafts,
	`\sent`:      domain.SpecialSent,
	`\flagged`:   domain.SpecialStarred,
	`\important`: domain.SpecialImportant,
	`\archive`:   domain.SpecialArchive,
	`\all`:       domain.SpecialAll,
	`\junk`:      domain.SpecialSpam,
	`\trash`:     domain.SpecialTrash,
	"inbox":      domain.SpecialInbox,
	"draft":      domain.SpecialDrafts,
	"sent":       domain.SpecialSent,
	"starred":    domain.SpecialStarred,
	"important":  domain.SpecialImportant,
	"spam":       domain.SpecialSpam,
	"trash":      domain.SpecialTrash,
}

// NormalizeFolder maps a folder record onto a Folder of account. The
// special-use tag comes from explicit attributes first, then from
// well-known names.
func NormalizeFolder(account string, raw json.RawMessage) (domain.Folder, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return domain.Folder{}, fmt.Errorf("%w: %v", ErrUnnormalizable, err)
	}
	path := r.str("path", "id", "fullName", "mailbox", "name")
	if path == "" {
		return domain.Folder{}, fmt.Errorf("%w: folder without path", ErrUnnormalizable)
	}
	delim := r.str("delimiter", "delim")
	if delim == "" {
		delim = "/"
	}

	f := domain.Folder{
		AccountID:  account,
		Path:       path,
		Name:       decodeHeader(r.str("name", "displayName", "display_name")),
		ParentPath: r.str("parent_path", "parentPath", "parent"),
	}
	i := strings.LastIndex(path, delim)
	if f.Name == "" || f.Name == path {
		f.Name = path
		if i >= 0 {
			f.Name = path[i+len(delim):]
		}
	}
	if f.ParentPath == "" && i > 0 {
		f.ParentPath = path[:i]
	}
	if n, ok := r.int64("unread_count", "unreadCount", "messagesUnread", "unseen"); ok {
		f.UnreadCount = int(n)
	}
	if n, ok := r.int64("total_count", "totalCount", "messagesTotal", "exists"); ok {
		f.TotalCount = int(n)
	}

	f.SpecialUse = domain.SpecialUse(strings.ToLower(r.str("special_use", "specialUse", "role")))
	if !validSpecialUse(f.SpecialUse) {
		f.SpecialUse = domain.SpecialNone
	}
	if f.SpecialUse == domain.SpecialNone {
		if attrs, ok := r.strings("attributes", "flags"); ok {
			for _, a := range attrs {
				if su, ok := specialUseAttrs[strings.ToLower(a)]; ok {
					f.SpecialUse = su
					break
				}
			}
		}
	}
	if f.SpecialUse == domain.SpecialNone && r.str("type") == "system" {
		f.SpecialUse = specialUseAttrs[strings.ToLower(path)]
	}
	if f.SpecialUse == domain.SpecialNone {
		f.SpecialUse = domain.GuessSpecialUse(path)
	}
	return f, nil
}

func validSpecialUse(s domain.SpecialUse) bool {
	switch s {
	case domain.SpecialInbox, domain.SpecialDrafts, domain.SpecialSent, domain.SpecialStarred,
		domain.SpecialImportant, domain.SpecialArchive, domain.SpecialAll, domain.SpecialSpam, domain.SpecialTrash:
		return true
	}
	return false
}
