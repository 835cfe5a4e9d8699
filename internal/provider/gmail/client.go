package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/store"
)

const userID = "me"

// Headers requested for listing pages. Bodies are fetched separately.
var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "In-Reply-To"}

// Mailbox implements provider.Mailbox on top of the Gmail API. Folders are
// label ids.
type Mailbox struct {
	service *gmailapi.Service
}

// New returns a Mailbox authenticated through ts.
func New(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Mailbox, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Mailbox{service: srv}, nil
}

// Open loads the stored token of account and returns its Mailbox.
func Open(ctx context.Context, account domain.Account, tokens store.TokenStore) (*Mailbox, error) {
	if err := EnsureCredentials(); err != nil {
		return nil, err
	}
	ts, err := store.TokenSource(tokens, account.ID, configFor(""))
	if err != nil {
		return nil, fmt.Errorf("failed to load gmail token: %w", err)
	}
	return New(ctx, ts)
}

// Factory adapts Open to provider.Factory.
func Factory(tokens store.TokenStore) provider.Factory {
	return func(ctx context.Context, account domain.Account) (provider.Mailbox, error) {
		return Open(ctx, account, tokens)
	}
}

func (m *Mailbox) ListFolders(ctx context.Context) ([]json.RawMessage, error) {
	resp, err := m.service.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list gmail labels: %w", classify(err))
	}
	out := make([]json.RawMessage, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		// List omits counts; Get carries them.
		full, err := m.service.Users.Labels.Get(userID, l.Id).Context(ctx).Do()
		if err == nil {
			l = full
		}
		raw, err := labelRecord(l)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// ListMessages lists one page of a label. Each record is the metadata form
// of the Gmail message, a header-list payload.
func (m *Mailbox) ListMessages(ctx context.Context, opts provider.ListOptions) (provider.Page, error) {
	call := m.service.Users.Messages.List(userID).LabelIds(opts.Folder)
	if opts.PageSize > 0 {
		call = call.MaxResults(int64(opts.PageSize))
	}
	if opts.Cursor != "" {
		call = call.PageToken(opts.Cursor)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return provider.Page{}, fmt.Errorf("failed to list gmail messages: %w", classify(err))
	}

	page := provider.Page{
		Records:    make([]json.RawMessage, 0, len(resp.Messages)),
		NextCursor: resp.NextPageToken,
		Total:      int(resp.ResultSizeEstimate),
	}
	for _, ref := range resp.Messages {
		msg, err := m.service.Users.Messages.Get(userID, ref.Id).
			Format("metadata").MetadataHeaders(metadataHeaders...).Context(ctx).Do()
		if err != nil {
			return provider.Page{}, fmt.Errorf("failed to get gmail message %s: %w", ref.Id, classify(err))
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return provider.Page{}, fmt.Errorf("failed to encode gmail message %s: %w", ref.Id, err)
		}
		page.Records = append(page.Records, raw)
	}
	return page, nil
}

// GetBodies fetches the raw RFC 822 form of each message. Messages that no
// longer exist are skipped.
func (m *Mailbox) GetBodies(ctx context.Context, folder string, ids []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := m.service.Users.Messages.Get(userID, id).Format("raw").Context(ctx).Do()
		if err != nil {
			err = classify(err)
			if provider.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get gmail message %s: %w", id, err)
		}
		raw, err := json.Marshal(bodyRecord{ID: msg.Id, Folder: folder, Raw: msg.Raw, InternalDate: msg.InternalDate})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Mutate maps a queued mutation onto label changes. Moving to the trash and
// deleting use Trash so the message stays recoverable.
func (m *Mailbox) Mutate(ctx context.Context, e domain.MutationEntry) error {
	if e.TargetID == "" {
		return fmt.Errorf("mutation %s has no target", e.ID)
	}
	d := e.DesiredState
	var add, remove []string
	switch e.Type {
	case domain.MutationToggleRead:
		if d.Unread == nil {
			return fmt.Errorf("mutation %s: toggleRead without unread state", e.ID)
		}
		if *d.Unread {
			add = []string{domain.LabelUnread}
		} else {
			remove = []string{domain.LabelUnread}
		}
	case domain.MutationStar:
		if d.Starred == nil {
			return fmt.Errorf("mutation %s: star without starred state", e.ID)
		}
		if *d.Starred {
			add = []string{domain.LabelStarred}
		} else {
			remove = []string{domain.LabelStarred}
		}
	case domain.MutationLabel:
		add, remove = d.AddLabels, d.RemoveLabels
	case domain.MutationMove:
		if d.Folder == "" {
			return fmt.Errorf("mutation %s: move without folder", e.ID)
		}
		if strings.EqualFold(d.Folder, domain.LabelTrash) {
			return m.trash(ctx, e.TargetID)
		}
		add = []string{d.Folder}
		if !strings.EqualFold(d.Folder, domain.LabelInbox) {
			remove = []string{domain.LabelInbox}
		}
	case domain.MutationDelete:
		err := m.trash(ctx, e.TargetID)
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("mutation %s: unknown type %q", e.ID, e.Type)
	}
	return m.modify(ctx, e.TargetID, add, remove)
}

func (m *Mailbox) modify(ctx context.Context, id string, add, remove []string) error {
	req := &gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := m.service.Users.Messages.Modify(userID, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to modify labels on message %s: %w", id, classify(err))
	}
	return nil
}

func (m *Mailbox) trash(ctx context.Context, id string) error {
	if _, err := m.service.Users.Messages.Trash(userID, id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to trash gmail message %s: %w", id, classify(err))
	}
	return nil
}

// Send composes msg as MIME and sends it.
func (m *Mailbox) Send(ctx context.Context, msg domain.OutgoingMessage) error {
	raw, err := buildRawMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}
	out := &gmailapi.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if _, err := m.service.Users.Messages.Send(userID, out).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to send gmail message: %w", classify(err))
	}
	return nil
}

// Ping reads the profile, the cheapest authenticated call.
func (m *Mailbox) Ping(ctx context.Context) error {
	if _, err := m.service.Users.GetProfile(userID).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

var _ provider.Mailbox = (*Mailbox)(nil)
