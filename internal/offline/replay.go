package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
)

// ReplayResult summarizes one flush.
type ReplayResult struct {
	Replayed  int `json:"replayed"`
	Parked    int `json:"parked"`
	Remaining int `json:"remaining"`
}

// Replayer drains a Queue against the remote mailbox.
type Replayer struct {
	queue       *Queue
	maxAttempts int
	logger      *logrus.Logger
	// OnHardFailure is told about every entry that gets parked.
	OnHardFailure func(domain.MutationEntry)

	mu sync.Mutex
}

func NewReplayer(q *Queue, maxAttempts int, logger *logrus.Logger) *Replayer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Replayer{queue: q, maxAttempts: maxAttempts, logger: logger}
}

// Flush replays pending entries of account strictly in insertion order. An
// entry is removed only once the mailbox acknowledged it. An unreachable
// server stops the flush with provider.ErrOffline and costs no attempt.
// Other retryable failures stop the flush and count toward maxAttempts.
// Entries the server rejects outright, or that ran out of attempts, are
// parked and skipped.
func (r *Replayer) Flush(ctx context.Context, account string, mb provider.Mailbox) (ReplayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReplayResult
	entries, err := r.queue.Pending(ctx, account)
	if err != nil {
		return res, err
	}
	for i, e := range entries {
		err := mb.Mutate(ctx, e)
		if err == nil {
			if err := r.queue.remove(ctx, e); err != nil {
				res.Remaining = len(entries) - i
				return res, fmt.Errorf("failed to remove replayed mutation %s: %w", e.ID, err)
			}
			res.Replayed++
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Remaining = len(entries) - i
			return res, err
		}
		if errors.Is(err, provider.ErrOffline) {
			// Not an answer from the server; the entry keeps its attempts.
			res.Remaining = len(entries) - i
			return res, err
		}

		e.Attempts++
		e.LastError = err.Error()
		retryable := provider.IsRetryable(err)
		log := r.logger.WithFields(logrus.Fields{
			"account":  account,
			"mutation": e.ID,
			"type":     e.Type,
			"target":   e.TargetID,
			"attempts": e.Attempts,
		})
		if retryable && e.Attempts < r.maxAttempts {
			if uerr := r.queue.update(ctx, e); uerr != nil {
				log.WithError(uerr).Error("Failed to record mutation attempt")
			}
			log.WithError(err).Debug("Mutation replay failed, will retry")
			res.Remaining = len(entries) - i
			return res, nil
		}

		e.Status = domain.MutationFailed
		if uerr := r.queue.update(ctx, e); uerr != nil {
			res.Remaining = len(entries) - i
			return res, fmt.Errorf("failed to park mutation %s: %w", e.ID, uerr)
		}
		log.WithError(err).Warn("Mutation parked")
		res.Parked++
		if r.OnHardFailure != nil {
			r.OnHardFailure(e)
		}
	}
	return res, nil
}
