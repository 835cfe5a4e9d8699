// Package offline keeps user intents that have not reached the server yet:
// the mutation queue, the send outbox and the connectivity monitor that
// drains both.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/store"
)

var ErrNotFound = errors.New("queue entry not found")

// Queue is the durable FIFO of pending mutations, one per account. Keys
// are zero-padded sequence numbers so primary key order is insertion order.
type Queue struct {
	store *store.Client
	now   func() time.Time

	mu  sync.Mutex
	seq map[string]int64
}

func NewQueue(c *store.Client) *Queue {
	return &Queue{store: c, now: time.Now, seq: make(map[string]int64)}
}

// nextSeq must be called with q.mu held.
func (q *Queue) nextSeq(ctx context.Context, account string) (int64, error) {
	if last, ok := q.seq[account]; ok {
		q.seq[account] = last + 1
		return last + 1, nil
	}
	keys, err := q.store.Keys(ctx, store.TableMutations, store.Query{Account: account, Reverse: true, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("failed to read queue tail: %w", err)
	}
	var last int64
	if len(keys) > 0 {
		last, _ = strconv.ParseInt(keys[0], 10, 64)
	}
	q.seq[account] = last + 1
	return last + 1, nil
}

// Enqueue appends a pending mutation.
func (q *Queue) Enqueue(ctx context.Context, account string, typ domain.MutationType, target string, desired domain.DesiredState) (domain.MutationEntry, error) {
	if account == "" {
		return domain.MutationEntry{}, store.ErrNoAccount
	}
	if !typ.Valid() {
		return domain.MutationEntry{}, fmt.Errorf("unknown mutation type %q", typ)
	}
	if target == "" {
		return domain.MutationEntry{}, errors.New("mutation without target")
	}
	if typ == domain.MutationDelete {
		desired.Deleted = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	seq, err := q.nextSeq(ctx, account)
	if err != nil {
		return domain.MutationEntry{}, err
	}
	e := domain.MutationEntry{
		ID:           uuid.NewString(),
		Seq:          seq,
		AccountID:    account,
		Type:         typ,
		TargetID:     target,
		DesiredState: desired,
		CreatedAt:    q.now().UnixMilli(),
		Status:       domain.MutationPending,
	}
	if err := q.store.Put(ctx, store.TableMutations, account, e.Key(), e); err != nil {
		// The sequence number may be reused once the tail is re-read.
		delete(q.seq, account)
		return domain.MutationEntry{}, fmt.Errorf("failed to persist mutation: %w", err)
	}
	return e, nil
}

// List returns every entry of account in insertion order, parked ones
// included.
func (q *Queue) List(ctx context.Context, account string) ([]domain.MutationEntry, error) {
	entries, err := store.QueryAs[domain.MutationEntry](ctx, q.store, store.TableMutations, store.Query{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	return entries, nil
}

// Pending returns the entries still waiting for replay.
func (q *Queue) Pending(ctx context.Context, account string) ([]domain.MutationEntry, error) {
	entries, err := store.QueryAs[domain.MutationEntry](ctx, q.store, store.TableMutations, store.Query{
		Account: account,
		Index:   "status",
		Equals:  string(domain.MutationPending),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mutations: %w", err)
	}
	sortBySeq(entries)
	return entries, nil
}

// PendingTargets returns the ids with at least one pending entry.
func (q *Queue) PendingTargets(ctx context.Context, account string) (map[string]bool, error) {
	entries, err := q.Pending(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.TargetID] = true
	}
	return out, nil
}

func (q *Queue) Count(ctx context.Context, account string) (int, error) {
	return q.store.Count(ctx, store.TableMutations, store.Query{Account: account})
}

func (q *Queue) update(ctx context.Context, e domain.MutationEntry) error {
	return q.store.Put(ctx, store.TableMutations, e.AccountID, e.Key(), e)
}

func (q *Queue) remove(ctx context.Context, e domain.MutationEntry) error {
	return q.store.Delete(ctx, store.TableMutations, e.AccountID, e.Key())
}

func (q *Queue) find(ctx context.Context, account, id string) (domain.MutationEntry, error) {
	entries, err := q.List(ctx, account)
	if err != nil {
		return domain.MutationEntry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.MutationEntry{}, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
}

// Retry moves a parked entry back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, account, id string) error {
	e, err := q.find(ctx, account, id)
	if err != nil {
		return err
	}
	e.Status = domain.MutationPending
	e.Attempts = 0
	e.LastError = ""
	return q.update(ctx, e)
}

// Discard drops an entry without replaying it.
func (q *Queue) Discard(ctx context.Context, account, id string) error {
	e, err := q.find(ctx, account, id)
	if err != nil {
		return err
	}
	return q.remove(ctx, e)
}

func sortBySeq(entries []domain.MutationEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}
