package provider

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Backoff computes capped exponential delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter in [0, 1] shortens each delay by a random share of up to
	// Jitter of it, so clients that failed together retry apart.
	Jitter float64
}

// Delay returns the wait before attempt (1-based): Base, 2*Base, 4*Base and
// so on, never more than Max, then jittered.
func (b Backoff) Delay(attempt int) time.Duration {
	return b.jitter(b.exponential(attempt))
}

func (b Backoff) exponential(attempt int) time.Duration {
	maxDelay := b.Cap()
	delay := b.Base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	j := min(b.Jitter, 1)
	if j <= 0 {
		return d
	}
	spread := int64(float64(d) * j)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(rand.Int64N(spread+1))
}

// Cap is the longest delay Delay returns.
func (b Backoff) Cap() time.Duration {
	if b.Max <= 0 {
		return 2 * time.Second
	}
	return b.Max
}

// Retry calls fn until it succeeds, returns an error that is not
// retryable, or attempts run out. The last error is returned.
func (b Backoff) Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) || attempt >= attempts {
			return err
		}
		if waitErr := Wait(ctx, b.Delay(attempt+1)); waitErr != nil {
			return waitErr
		}
	}
}

// Wait sleeps for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
