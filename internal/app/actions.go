package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/offline"
	"github.com/lu-zhengda/mailcore/internal/store"
)

var ErrMessageNotFound = errors.New("message not found")

// Indexer is told which messages the actions changed.
type Indexer interface {
	Index(ctx context.Context, account string, ids []string) error
	Remove(ctx context.Context, account string, ids []string) error
}

// Actions apply user intents optimistically: the local write happens
// first, a durable mutation is queued, and the network call runs later
// from the queue. Local writes are never rolled back.
type Actions struct {
	store   *store.Client
	queue   *offline.Queue
	outbox  *offline.Outbox
	session *Session
	index   Indexer
	// kick asks for a background flush of the queues.
	kick   func()
	logger *logrus.Logger
	now    func() time.Time
}

func NewActions(c *store.Client, q *offline.Queue, o *offline.Outbox, s *Session, index Indexer, kick func(), logger *logrus.Logger) *Actions {
	if kick == nil {
		kick = func() {}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Actions{store: c, queue: q, outbox: o, session: s, index: index, kick: kick, logger: logger, now: time.Now}
}

func (a *Actions) account() (string, error) {
	id := a.session.Account().ID
	if id == "" {
		return "", store.ErrNoAccount
	}
	return id, nil
}

func (a *Actions) MarkRead(ctx context.Context, id string, read bool) (domain.MutationEntry, error) {
	unread := !read
	return a.mutate(ctx, domain.MutationToggleRead, id, domain.DesiredState{Unread: &unread})
}

func (a *Actions) Star(ctx context.Context, id string, starred bool) (domain.MutationEntry, error) {
	return a.mutate(ctx, domain.MutationStar, id, domain.DesiredState{Starred: &starred})
}

func (a *Actions) Label(ctx context.Context, id string, add, remove []string) (domain.MutationEntry, error) {
	if len(add)+len(remove) == 0 {
		return domain.MutationEntry{}, errors.New("no labels to change")
	}
	return a.mutate(ctx, domain.MutationLabel, id, domain.DesiredState{AddLabels: add, RemoveLabels: remove})
}

func (a *Actions) Move(ctx context.Context, id, folder string) (domain.MutationEntry, error) {
	if folder == "" {
		return domain.MutationEntry{}, errors.New("move needs a destination folder")
	}
	return a.mutate(ctx, domain.MutationMove, id, domain.DesiredState{Folder: folder})
}

func (a *Actions) Delete(ctx context.Context, id string) (domain.MutationEntry, error) {
	return a.mutate(ctx, domain.MutationDelete, id, domain.DesiredState{Deleted: true})
}

func (a *Actions) mutate(ctx context.Context, typ domain.MutationType, id string, desired domain.DesiredState) (domain.MutationEntry, error) {
	account, err := a.account()
	if err != nil {
		return domain.MutationEntry{}, err
	}
	var msg domain.Message
	ok, err := a.store.Get(ctx, store.TableMessages, account, id, &msg)
	if err != nil {
		return domain.MutationEntry{}, fmt.Errorf("failed to load message: %w", err)
	}
	if !ok {
		return domain.MutationEntry{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	before := msg.Folder

	entry := domain.MutationEntry{Type: typ, TargetID: id, DesiredState: desired}
	keep := entry.Apply(&msg)
	msg.UpdatedAt = a.now().UnixMilli()
	if keep {
		err = a.store.Put(ctx, store.TableMessages, account, id, msg)
	} else {
		err = a.store.Begin(store.ReadWrite).
			Delete(store.TableMessages, account, id).
			Delete(store.TableBodies, account, id).
			Commit(ctx)
	}
	if err != nil {
		return domain.MutationEntry{}, fmt.Errorf("failed to apply %s locally: %w", typ, err)
	}

	queued, err := a.queue.Enqueue(ctx, account, typ, id, desired)
	if err != nil {
		return domain.MutationEntry{}, err
	}
	a.logger.WithFields(logrus.Fields{
		"account": account,
		"type":    typ,
		"target":  id,
		"seq":     queued.Seq,
	}).Debug("Mutation queued")

	a.session.Invalidate(before, msg.Folder)
	if keep && msg.Folder == before {
		a.session.Patch(id, func(m *domain.Message) { *m = msg })
	} else {
		a.session.Drop(id)
	}
	a.reindex(ctx, account, id, keep)
	a.kick()
	return queued, nil
}

func (a *Actions) reindex(ctx context.Context, account, id string, keep bool) {
	if a.index == nil {
		return
	}
	var err error
	if keep {
		err = a.index.Index(ctx, account, []string{id})
	} else {
		err = a.index.Remove(ctx, account, []string{id})
	}
	if err != nil {
		a.logger.WithError(err).Warn("Failed to update search index")
	}
}

// Send queues msg in the outbox and asks for a flush.
func (a *Actions) Send(ctx context.Context, msg domain.OutgoingMessage) (domain.OutboxItem, error) {
	account, err := a.account()
	if err != nil {
		return domain.OutboxItem{}, err
	}
	item, err := a.outbox.Enqueue(ctx, account, msg)
	if err != nil {
		return domain.OutboxItem{}, err
	}
	a.kick()
	return item, nil
}

// SaveDraft autosaves compose state. Drafts live in their own table and
// survive eviction and resyncs.
func (a *Actions) SaveDraft(ctx context.Context, d domain.Draft) error {
	account, err := a.account()
	if err != nil {
		return err
	}
	if d.ID == "" {
		return errors.New("draft without id")
	}
	d.AccountID = account
	d.UpdatedAt = a.now().UnixMilli()
	if err := a.store.Put(ctx, store.TableDrafts, account, d.ID, d); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

func (a *Actions) Drafts(ctx context.Context) ([]domain.Draft, error) {
	account, err := a.account()
	if err != nil {
		return nil, err
	}
	drafts, err := store.QueryAs[domain.Draft](ctx, a.store, store.TableDrafts, store.Query{
		Account: account,
		Index:   "updated",
		Reverse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	return drafts, nil
}
