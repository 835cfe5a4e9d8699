// Package reconcile turns heterogeneous server payloads into canonical
// records and merges them with the local cache.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// ErrUnnormalizable marks a record that cannot be mapped onto a message.
// It rejects that record only, never the batch.
var ErrUnnormalizable = errors.New("unnormalizable record")

// Shape is the payload layout a server record arrives in.
type Shape int

const (
	ShapeFlat Shape = iota
	// ShapeEnvelope carries headers in an IMAP-style "envelope" object.
	ShapeEnvelope
	// ShapeHeaderList carries headers as a [{name, value}] list, either at the
	// top level or under "payload".
	ShapeHeaderList
)

func (s Shape) String() string {
	switch s {
	case ShapeEnvelope:
		return "envelope"
	case ShapeHeaderList:
		return "headerList"
	}
	return "flat"
}

func detectShape(r record) Shape {
	if _, ok := r.object("envelope"); ok {
		return ShapeEnvelope
	}
	if _, ok := r["headers"].([]any); ok {
		return ShapeHeaderList
	}
	if p, ok := r.object("payload"); ok {
		if _, ok := p["headers"].([]any); ok {
			return ShapeHeaderList
		}
	}
	return ShapeFlat
}

// DetectShape reports the layout of raw. Undecodable input is ShapeFlat.
func DetectShape(raw json.RawMessage) Shape {
	r, err := decodeRecord(raw)
	if err != nil {
		return ShapeFlat
	}
	return detectShape(r)
}

// headerAliases maps header names onto the flat keys the fallback chains
// look for.
var headerAliases = map[string]string{
	"message-id":  "message_id",
	"in-reply-to": "in_reply_to",
	"x-gm-thrid":  "thread_id",
}

// flatten folds the shape-specific header container into a single lookup
// record. Top-level keys win over header values.
func flatten(r record, shape Shape) record {
	view := make(record, len(r)+8)
	for k, v := range r {
		view[k] = v
	}
	add := func(k string, v any) {
		if _, ok := view[k]; !ok && v != nil {
			view[k] = v
		}
	}

	switch shape {
	case ShapeEnvelope:
		env, _ := r.object("envelope")
		for k, v := range env {
			add(strings.ToLower(k), v)
			add(k, v)
		}
	case ShapeHeaderList:
		headers, ok := r["headers"].([]any)
		if !ok {
			p, _ := r.object("payload")
			headers, _ = p["headers"].([]any)
		}
		for _, h := range headers {
			hm, ok := h.(map[string]any)
			if !ok {
				continue
			}
			hr := record(hm)
			name := strings.ToLower(hr.str("name", "key"))
			if name == "" {
				continue
			}
			value, _ := hm["value"].(string)
			if alias, ok := headerAliases[name]; ok {
				name = alias
			}
			add(name, value)
		}
	}
	return view
}

var (
	idKeys      = []string{"id", "uid", "message_id", "messageId", "_id"}
	fromKeys    = []string{"from", "sender", "from_address", "fromAddress"}
	toKeys      = []string{"to", "recipients", "to_addresses", "toAddresses"}
	ccKeys      = []string{"cc", "cc_addresses", "ccAddresses"}
	subjectKeys = []string{"subject", "title"}
	snippetKeys = []string{"snippet", "preview", "summary", "bodyPreview"}
	dateKeys    = []string{"timestamp", "internalDate", "internal_date", "date", "received_at", "receivedAt", "sent_at", "sentAt"}
	threadKeys  = []string{"thread_id", "threadId", "threadID", "conversation_id", "conversationId"}
	labelKeys   = []string{"labels", "labelIds", "label_ids"}
	flagKeys    = []string{"flags", "keywords"}
	unreadKeys  = []string{"unread", "is_unread", "isUnread"}
	seenKeys    = []string{"seen", "is_read", "isRead", "read"}
	starredKeys = []string{"starred", "is_starred", "isStarred", "flagged"}
	modseqKeys  = []string{"modseq", "modSeq", "mod_seq", "historyId"}
	sizeKeys    = []string{"size", "sizeEstimate", "size_estimate", "rfc822_size"}
	attachKeys  = []string{"has_attachments", "hasAttachments", "hasAttachment"}
	pageKeys    = []string{"page"}
	folderKeys  = []string{"folder", "mailbox"}
)

// NormalizeMessage maps one server record onto the canonical message of
// account. folder is the folder being synchronized and takes precedence
// over any folder named by the record.
func NormalizeMessage(account, folder string, raw json.RawMessage) (domain.Message, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrUnnormalizable, err)
	}
	shape := detectShape(r)
	v := flatten(r, shape)

	id := v.str(idKeys...)
	if id == "" || id == "undefined" || id == "null" {
		return domain.Message{}, fmt.Errorf("%w: %s record without id", ErrUnnormalizable, shape)
	}

	msg := domain.Message{
		AccountID: account,
		ID:        id,
		Folder:    folder,
		ThreadID:  v.str(threadKeys...),
		Subject:   decodeHeader(v.str(subjectKeys...)),
		Snippet:   html.UnescapeString(v.str(snippetKeys...)),
	}
	if msg.Folder == "" {
		msg.Folder = v.str(folderKeys...)
	}
	if fv, ok := v.value(fromKeys...); ok {
		msg.From = toAddress(fv)
	}
	if tv, ok := v.value(toKeys...); ok {
		msg.To = toAddressList(tv)
	}
	if cv, ok := v.value(ccKeys...); ok {
		msg.CC = toAddressList(cv)
	}
	msg.Timestamp = timestamp(v)

	if labels, ok := v.strings(labelKeys...); ok {
		msg.Labels = labels
	}
	if flags, ok := v.strings(flagKeys...); ok {
		msg.Flags = flags
	}
	msg.SetUnread(unread(v, msg))
	msg.IsStarred = starred(v, msg)

	if n, ok := v.int64(modseqKeys...); ok && n > 0 {
		msg.ModSeq = uint64(n)
	}
	if n, ok := v.int64(sizeKeys...); ok {
		msg.Size = n
	}
	if n, ok := v.int64(pageKeys...); ok {
		msg.Page = int(n)
	}
	if b, ok := v.boolean(attachKeys...); ok {
		msg.HasAttachments = b
	} else if list, ok := v["attachments"].([]any); ok {
		msg.HasAttachments = len(list) > 0
	}
	return msg, nil
}

// NormalizeMessages normalizes a batch, skipping and counting the records
// that cannot be normalized.
func NormalizeMessages(account, folder string, raws []json.RawMessage) ([]domain.Message, int) {
	out := make([]domain.Message, 0, len(raws))
	skipped := 0
	seen := make(map[string]int, len(raws))
	for _, raw := range raws {
		msg, err := NormalizeMessage(account, folder, raw)
		if err != nil {
			skipped++
			continue
		}
		// A repeated id within one page keeps the last occurrence.
		if i, ok := seen[msg.ID]; ok {
			out[i] = msg
			continue
		}
		seen[msg.ID] = len(out)
		out = append(out, msg)
	}
	return out, skipped
}

func timestamp(v record) int64 {
	for _, k := range dateKeys {
		switch x := v[k].(type) {
		case json.Number:
			if n, err := x.Int64(); err == nil {
				if t := fromEpoch(n); !t.IsZero() {
					return t.Unix()
				}
			}
		case string:
			if t := parseDate(x); !t.IsZero() {
				return t.Unix()
			}
		}
	}
	return 0
}

// unread resolves the unread state from, in order: explicit unread keys,
// explicit seen keys, the \Seen flag, the UNREAD label.
func unread(v record, msg domain.Message) bool {
	if b, ok := v.boolean(unreadKeys...); ok {
		return b
	}
	if b, ok := v.boolean(seenKeys...); ok {
		return !b
	}
	if msg.Flags != nil {
		return !msg.HasFlag(domain.FlagSeen)
	}
	if msg.Labels != nil {
		return msg.HasLabel(domain.LabelUnread)
	}
	return false
}

func starred(v record, msg domain.Message) bool {
	if b, ok := v.boolean(starredKeys...); ok {
		return b
	}
	return msg.HasFlag(domain.FlagFlagged) || msg.HasLabel(domain.LabelStarred)
}
