package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

var now = time.Now

// Merge combines the cached row (nil when absent) with a freshly
// normalized one and reports whether the result must be written.
//
// Server state wins field by field, with two exceptions: labels omitted by
// the server and a display name missing from an otherwise equal sender are
// kept from the cache. Pending mutations on the message are re-applied on
// top so an unconfirmed local change is not reverted by a stale listing. A
// pending delete suppresses the write altogether.
func Merge(existing *domain.Message, incoming domain.Message, pending []domain.MutationEntry) (domain.Message, bool) {
	out := incoming
	if existing != nil {
		out = mergeFields(*existing, incoming)
	}
	for _, e := range pending {
		if e.TargetID != incoming.ID || e.Status != domain.MutationPending {
			continue
		}
		if !e.Apply(&out) {
			return out, false
		}
	}
	out.SetUnread(out.IsUnread)

	if existing != nil && equalMessage(*existing, out) {
		return *existing, false
	}
	out.UpdatedAt = now().Unix()
	return out, true
}

func mergeFields(old, in domain.Message) domain.Message {
	out := old
	out.Labels = slices.Clone(old.Labels)
	out.Flags = slices.Clone(old.Flags)

	if in.Flags != nil && !sameSet(old.Flags, in.Flags) {
		out.Flags = slices.Clone(in.Flags)
	}
	if in.IsUnread != old.IsUnread {
		out.SetUnread(in.IsUnread)
	}
	if in.IsStarred != old.IsStarred {
		out.IsStarred = in.IsStarred
	}
	if in.ModSeq != 0 && in.ModSeq != old.ModSeq {
		out.ModSeq = in.ModSeq
	}
	if in.Labels != nil && !sameSet(old.Labels, in.Labels) {
		out.Labels = slices.Clone(in.Labels)
	}
	if in.From.Email != "" {
		sameSender := strings.EqualFold(in.From.Email, old.From.Email)
		if !sameSender || in.From.Name != "" && in.From.Name != old.From.Name {
			out.From = in.From
		}
	}

	// Multi-label providers list one message under several folders. Keep it
	// where it is while the server still labels it with that folder.
	if in.Folder != "" && in.Folder != old.Folder && !in.HasLabel(old.Folder) {
		out.Folder = in.Folder
	}

	if in.Subject != "" {
		out.Subject = in.Subject
	}
	if in.Snippet != "" {
		out.Snippet = in.Snippet
	}
	if in.ThreadID != "" {
		out.ThreadID = in.ThreadID
	}
	if in.Timestamp != 0 {
		out.Timestamp = in.Timestamp
	}
	if in.To != nil {
		out.To = in.To
	}
	if in.CC != nil {
		out.CC = in.CC
	}
	if in.Size != 0 {
		out.Size = in.Size
	}
	if in.Page != 0 {
		out.Page = in.Page
	}
	if in.HasAttachments {
		out.HasAttachments = true
	}
	return out
}

// MergeBatch merges every incoming message against the cached rows and
// returns only the rows that need writing.
func MergeBatch(cached map[string]domain.Message, incoming []domain.Message, pending []domain.MutationEntry) []domain.Message {
	byTarget := make(map[string][]domain.MutationEntry)
	for _, e := range pending {
		byTarget[e.TargetID] = append(byTarget[e.TargetID], e)
	}
	var writes []domain.Message
	for _, in := range incoming {
		var existing *domain.Message
		if c, ok := cached[in.ID]; ok {
			existing = &c
		}
		if merged, write := Merge(existing, in, byTarget[in.ID]); write {
			writes = append(writes, merged)
		}
	}
	return writes
}

// Prune returns the ids of cached first-page rows that are absent from
// the fresh first page. Those messages were moved or deleted elsewhere.
func Prune(cached, fresh []domain.Message) []string {
	present := make(map[string]bool, len(fresh))
	for _, m := range fresh {
		present[m.ID] = true
	}
	var gone []string
	for _, m := range cached {
		if m.Page == 1 && !present[m.ID] {
			gone = append(gone, m.ID)
		}
	}
	return gone
}

func equalMessage(a, b domain.Message) bool {
	return a.ID == b.ID &&
		a.Folder == b.Folder &&
		a.ThreadID == b.ThreadID &&
		a.From == b.From &&
		slices.Equal(a.To, b.To) &&
		slices.Equal(a.CC, b.CC) &&
		a.Subject == b.Subject &&
		a.Snippet == b.Snippet &&
		a.Timestamp == b.Timestamp &&
		sameSet(a.Flags, b.Flags) &&
		sameSet(a.Labels, b.Labels) &&
		a.IsUnread == b.IsUnread &&
		a.IsUnreadIndex == b.IsUnreadIndex &&
		a.IsStarred == b.IsStarred &&
		a.HasAttachments == b.HasAttachments &&
		a.Size == b.Size &&
		a.ModSeq == b.ModSeq &&
		a.Page == b.Page
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
