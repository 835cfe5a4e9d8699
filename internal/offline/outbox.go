package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/store"
)

var ErrNoRecipients = errors.New("message has no recipients")

type OutboxOptions struct {
	Backoff     provider.Backoff
	MaxAttempts int
	Logger      *logrus.Logger
}

// OutboxResult summarizes one flush.
type OutboxResult struct {
	Sent     int `json:"sent"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// Outbox durably queues composed messages until the server accepts them.
type Outbox struct {
	store       *store.Client
	backoff     provider.Backoff
	maxAttempts int
	logger      *logrus.Logger
	now         func() time.Time
	// OnHardFailure is told about every item that gets parked as failed.
	OnHardFailure func(domain.OutboxItem)

	mu sync.Mutex
}

func NewOutbox(c *store.Client, opts OutboxOptions) *Outbox {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Outbox{
		store:       c,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Enqueue stores msg for sending. Attachments without a content type get
// one sniffed from their data.
func (o *Outbox) Enqueue(ctx context.Context, account string, msg domain.OutgoingMessage) (domain.OutboxItem, error) {
	if account == "" {
		return domain.OutboxItem{}, store.ErrNoAccount
	}
	if len(msg.To)+len(msg.CC)+len(msg.BCC) == 0 {
		return domain.OutboxItem{}, ErrNoRecipients
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].MIMEType == "" {
			msg.Attachments[i].MIMEType = mimetype.Detect(msg.Attachments[i].Data).String()
		}
	}
	now := o.now()
	item := domain.OutboxItem{
		ID:            uuid.NewString(),
		AccountID:     account,
		Message:       msg,
		Status:        domain.OutboxQueued,
		NextAttemptAt: now.Unix(),
		CreatedAt:     now.UnixMilli(),
	}
	if err := o.store.Put(ctx, store.TableOutbox, account, item.ID, item); err != nil {
		return domain.OutboxItem{}, fmt.Errorf("failed to queue message: %w", err)
	}
	return item, nil
}

// List returns the items of account, oldest first.
func (o *Outbox) List(ctx context.Context, account string) ([]domain.OutboxItem, error) {
	items, err := store.QueryAs[domain.OutboxItem](ctx, o.store, store.TableOutbox, store.Query{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt < items[j].CreatedAt })
	return items, nil
}

// Flush sends every due item. Sent items are removed together with the
// draft they came from. An unreachable server stops the flush with
// provider.ErrOffline and costs no attempt.
func (o *Outbox) Flush(ctx context.Context, account string, mb provider.Mailbox) (OutboxResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var res OutboxResult
	items, err := o.List(ctx, account)
	if err != nil {
		return res, err
	}
	for _, item := range items {
		if !item.Due(o.now().Unix()) {
			if item.Status == domain.OutboxQueued {
				res.Deferred++
			}
			continue
		}
		err := mb.Send(ctx, item.Message)
		if err == nil {
			tx := o.store.Begin(store.ReadWrite).Delete(store.TableOutbox, account, item.ID)
			if item.Message.DraftID != "" {
				tx.Delete(store.TableDrafts, account, item.Message.DraftID)
			}
			if err := tx.Commit(ctx); err != nil {
				return res, fmt.Errorf("failed to remove sent item %s: %w", item.ID, err)
			}
			res.Sent++
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		if errors.Is(err, provider.ErrOffline) {
			return res, err
		}

		item.Attempts++
		item.LastError = err.Error()
		log := o.logger.WithFields(logrus.Fields{
			"account":  account,
			"item":     item.ID,
			"attempts": item.Attempts,
		})
		if provider.IsRetryable(err) && item.Attempts < o.maxAttempts {
			delay := o.backoff.Delay(item.Attempts)
			item.NextAttemptAt = o.now().Add(delay).Unix()
			res.Deferred++
			log.WithError(err).WithField("retry_in", delay).Debug("Send failed, backing off")
		} else {
			item.Status = domain.OutboxFailed
			res.Failed++
			log.WithError(err).Warn("Send failed permanently")
			if o.OnHardFailure != nil {
				o.OnHardFailure(item)
			}
		}
		if err := o.store.Put(ctx, store.TableOutbox, account, item.ID, item); err != nil {
			return res, fmt.Errorf("failed to update outbox item %s: %w", item.ID, err)
		}
	}
	return res, nil
}

// Retry requeues a failed item for immediate sending.
func (o *Outbox) Retry(ctx context.Context, account, id string) error {
	var item domain.OutboxItem
	ok, err := o.store.Get(ctx, store.TableOutbox, account, id, &item)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("outbox item %s: %w", id, ErrNotFound)
	}
	item.Status = domain.OutboxQueued
	item.Attempts = 0
	item.LastError = ""
	item.NextAttemptAt = o.now().Unix()
	return o.store.Put(ctx, store.TableOutbox, account, id, item)
}

func (o *Outbox) Discard(ctx context.Context, account, id string) error {
	return o.store.Delete(ctx, store.TableOutbox, account, id)
}
