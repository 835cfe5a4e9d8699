// Package evict frees cache space when the store approaches its quota.
// Message bodies go first; header rows are evicted only when no body is
// left to free. Folders, manifests, drafts and the offline queues are
// never touched.
package evict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/store"
)

const (
	defaultHighWater      = 0.85
	defaultTargetFraction = 0.10
	defaultBatchSize      = 500
	defaultSampleSize     = 20
	defaultHalfLife       = 30 * 24 * time.Hour
)

// PendingSource reports messages with unconfirmed local changes.
type PendingSource interface {
	PendingTargets(ctx context.Context, account string) (map[string]bool, error)
}

// Indexer is told about evicted content. Index re-reads messages whose
// body is gone; Remove drops messages that no longer exist locally.
type Indexer interface {
	Index(ctx context.Context, account string, ids []string) error
	Remove(ctx context.Context, account string, ids []string) error
}

type Options struct {
	HighWater      float64
	TargetFraction float64
	BatchSize      int
	SampleSize     int
	// Interval is the minimum time between two quota checks.
	Interval time.Duration
	// HalfLife halves the score of content every time it ages by it.
	HalfLife time.Duration
	// Accounts lists the accounts whose cache may be evicted.
	Accounts func() []string
	Pending  PendingSource
	Index    Indexer
	// Usage defaults to the store's usage report.
	Usage  func(ctx context.Context) (store.Usage, error)
	Logger *logrus.Logger
	Now    func() time.Time
}

// Report describes one eviction pass.
type Report struct {
	Throttled  bool  `json:"throttled,omitempty"`
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
	Target     int64 `json:"target"`
	Freed      int64 `json:"freed"`
	Bodies     int   `json:"bodies"`
	Messages   int   `json:"messages"`
}

// Manager evicts cached rows of a store.
type Manager struct {
	c       *store.Client
	opts    Options
	limiter *rate.Limiter
}

func New(c *store.Client, opts Options) *Manager {
	if opts.HighWater <= 0 {
		opts.HighWater = defaultHighWater
	}
	if opts.TargetFraction <= 0 {
		opts.TargetFraction = defaultTargetFraction
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = defaultHalfLife
	}
	if opts.Accounts == nil {
		opts.Accounts = func() []string { return nil }
	}
	if opts.Usage == nil {
		opts.Usage = c.Usage
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Manager{c: c, opts: opts, limiter: rate.NewLimiter(limit, 1)}
}

// Run checks the quota every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.MaybeEvict(ctx); err != nil && ctx.Err() == nil {
				m.opts.Logger.WithError(err).Warn("Cache eviction failed")
			}
		}
	}
}

// MaybeEvict checks the quota and evicts once usage is above the high
// water mark. Calls arriving faster than the configured interval return a
// throttled report without reading usage.
func (m *Manager) MaybeEvict(ctx context.Context) (Report, error) {
	if !m.limiter.Allow() {
		return Report{Throttled: true}, nil
	}
	u, err := m.opts.Usage(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read store usage: %w", err)
	}
	rep := Report{UsedBytes: u.UsedBytes, QuotaBytes: u.QuotaBytes}
	if u.QuotaBytes <= 0 || float64(u.UsedBytes) <= m.opts.HighWater*float64(u.QuotaBytes) {
		return rep, nil
	}
	target := int64(m.opts.TargetFraction * float64(u.QuotaBytes))
	res, err := m.Evict(ctx, target)
	res.UsedBytes, res.QuotaBytes = u.UsedBytes, u.QuotaBytes
	return res, err
}

type candidate struct {
	account string
	key     string
	ts      int64
	score   float64
}

// Evict frees about target bytes, bodies first, stopping at the batch
// size.
func (m *Manager) Evict(ctx context.Context, target int64) (Report, error) {
	rep := Report{Target: target}
	if target <= 0 {
		return rep, nil
	}
	log := m.opts.Logger.WithField("target", humanize.Bytes(uint64(target)))

	accounts := m.opts.Accounts()
	pending := make(map[string]map[string]bool, len(accounts))
	folders := make(map[string]map[string]float64, len(accounts))
	for _, account := range accounts {
		p, err := m.pendingTargets(ctx, account)
		if err != nil {
			return rep, err
		}
		pending[account] = p
		f, err := m.importance(ctx, account)
		if err != nil {
			return rep, err
		}
		folders[account] = f
	}

	budget := m.opts.BatchSize
	bodies, size, err := m.collect(ctx, store.TableBodies, accounts, folders, pending, budget, nil)
	if err != nil {
		return rep, err
	}
	victims := pick(bodies, size, target, budget)
	if err := m.dropBodies(ctx, victims); err != nil {
		return rep, err
	}
	rep.Bodies = len(victims)
	rep.Freed = int64(len(victims)) * size
	budget -= len(victims)

	if rep.Freed < target && budget > 0 && len(victims) == len(bodies) {
		keep := func(msg domain.Message) bool { return msg.IsUnread || msg.IsStarred }
		msgs, size, err := m.collect(ctx, store.TableMessages, accounts, folders, pending, budget, keep)
		if err != nil {
			return rep, err
		}
		victims := pick(msgs, size, target-rep.Freed, budget)
		if err := m.dropMessages(ctx, victims); err != nil {
			return rep, err
		}
		rep.Messages = len(victims)
		rep.Freed += int64(len(victims)) * size
	}

	if rep.Bodies > 0 || rep.Messages > 0 {
		log.WithFields(logrus.Fields{
			"freed":    humanize.Bytes(uint64(rep.Freed)),
			"bodies":   rep.Bodies,
			"messages": rep.Messages,
		}).Info("Evicted cached mail")
	}
	return rep, nil
}

func (m *Manager) pendingTargets(ctx context.Context, account string) (map[string]bool, error) {
	if m.opts.Pending == nil {
		return nil, nil
	}
	p, err := m.opts.Pending.PendingTargets(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending mutations: %w", err)
	}
	return p, nil
}

// importance maps every cached folder path of account to its weight.
func (m *Manager) importance(ctx context.Context, account string) (map[string]float64, error) {
	list, err := store.QueryAs[domain.Folder](ctx, m.c, store.TableFolders, store.Query{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to load folders: %w", err)
	}
	out := make(map[string]float64, len(list))
	for _, f := range list {
		use := f.SpecialUse
		if use == domain.SpecialNone {
			use = domain.GuessSpecialUse(f.Path)
		}
		out[f.Path] = use.Importance()
	}
	return out, nil
}

func (m *Manager) score(weights map[string]float64, folder string, ts int64) float64 {
	w, ok := weights[folder]
	if !ok {
		w = domain.GuessSpecialUse(folder).Importance()
	}
	age := m.opts.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = 0
	}
	return w * math.Pow(0.5, age.Hours()/m.opts.HalfLife.Hours())
}

// row is the part of bodies and messages that scoring needs.
type row struct {
	ID        string `json:"id"`
	Folder    string `json:"folder"`
	Timestamp int64  `json:"timestamp"`
}

// collect loads the oldest rows of every folder and returns them as
// candidates with the average size of a sampled row. keep, when set,
// protects message rows from eviction.
func (m *Manager) collect(ctx context.Context, table string, accounts []string,
	folders map[string]map[string]float64, pending map[string]map[string]bool,
	limit int, keep func(domain.Message) bool) ([]candidate, int64, error) {
	var (
		out     []candidate
		sampled int
		sampleN int64
	)
	for _, account := range accounts {
		// Pending targets are skipped below, so they must not use up the limit.
		n := limit + len(pending[account])
		queries := []store.Query{{Account: account, OrderBy: "timestamp", Limit: n}}
		for path := range folders[account] {
			queries = append(queries, store.Query{Account: account, Index: "folder", Equals: path, OrderBy: "timestamp", Limit: n})
		}
		seen := make(map[string]bool)
		for _, q := range queries {
			rows, err := m.c.Query(ctx, table, q)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to list %s: %w", table, err)
			}
			for _, r := range rows {
				if seen[r.Key] || pending[account][r.Key] {
					continue
				}
				seen[r.Key] = true
				var meta row
				if keep != nil {
					var msg domain.Message
					if err := json.Unmarshal(r.Value, &msg); err != nil || keep(msg) {
						continue
					}
					meta = row{ID: msg.ID, Folder: msg.Folder, Timestamp: msg.Timestamp}
				} else if err := json.Unmarshal(r.Value, &meta); err != nil {
					continue
				}
				if sampled < m.opts.SampleSize {
					sampled++
					sampleN += int64(len(r.Value))
				}
				out = append(out, candidate{
					account: account,
					key:     r.Key,
					ts:      meta.Timestamp,
					score:   m.score(folders[account], meta.Folder, meta.Timestamp),
				})
			}
		}
	}
	if sampled == 0 {
		return out, 0, nil
	}
	return out, sampleN / int64(sampled), nil
}

// pick returns the lowest scored candidates until their estimated size
// reaches target or limit rows are chosen.
func pick(cands []candidate, size, target int64, limit int) []candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		return a.key < b.key
	})
	var freed int64
	n := 0
	for n < len(cands) && n < limit && freed < target {
		freed += max(size, 1)
		n++
	}
	return cands[:n]
}

func byAccount(cands []candidate) map[string][]string {
	out := make(map[string][]string)
	for _, c := range cands {
		out[c.account] = append(out[c.account], c.key)
	}
	return out
}

func (m *Manager) dropBodies(ctx context.Context, victims []candidate) error {
	for account, ids := range byAccount(victims) {
		if err := m.c.BulkDelete(ctx, store.TableBodies, account, ids); err != nil {
			return fmt.Errorf("failed to evict bodies: %w", err)
		}
		if m.opts.Index != nil {
			if err := m.opts.Index.Index(ctx, account, ids); err != nil {
				m.opts.Logger.WithError(err).Warn("Failed to reindex evicted bodies")
			}
		}
	}
	return nil
}

func (m *Manager) dropMessages(ctx context.Context, victims []candidate) error {
	for account, ids := range byAccount(victims) {
		err := m.c.Begin(store.ReadWrite).
			BulkDelete(store.TableMessages, account, ids).
			BulkDelete(store.TableBodies, account, ids).
			Commit(ctx)
		if err != nil {
			return fmt.Errorf("failed to evict messages: %w", err)
		}
		if m.opts.Index != nil {
			if err := m.opts.Index.Remove(ctx, account, ids); err != nil {
				m.opts.Logger.WithError(err).Warn("Failed to remove evicted messages from search")
			}
		}
	}
	return nil
}
