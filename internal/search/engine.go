// Package search owns the full-text index. The Engine runs as a single
// goroutine; other components reach it through a Client.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/bus"
	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/store"
)

// Actions understood by the engine.
const (
	ActionInit        = "init"
	ActionIndex       = "index"
	ActionRemove      = "remove"
	ActionSearch      = "search"
	ActionRebuild     = "rebuildFromCache"
	ActionStats       = "getStats"
	ActionHealth      = "getHealth"
	ActionSyncMissing = "syncMissingMessages"
	ActionReset       = "reset"
)

// Initial actions taken by init.
const (
	HealNone        = "none"
	HealRebuild     = "rebuild"
	HealSyncMissing = "syncMissing"
)

const (
	scanPage      = 500
	hydrateChunk  = 500
	defaultLimit  = 50
	strategyScan  = "scan"
	strategyIndex = "index"
)

type Options struct {
	BatchSize int
	Debounce  time.Duration
	// Modes lists the indexes kept per account. Defaults to headers only.
	Modes []Mode
	// Tolerance and Ratio bound the accepted divergence between the index
	// and the message table: max(Tolerance, Ratio*messages).
	Tolerance int
	Ratio     float64
	Logger    *logrus.Logger
}

// Params is the payload of every request.
type Params struct {
	Account string   `json:"account"`
	Mode    Mode     `json:"mode,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Query   string   `json:"query,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

// Health compares the index with the message table of one account.
type Health struct {
	Healthy              bool `json:"healthy"`
	MessagesCount        int  `json:"messagesCount"`
	IndexCount           int  `json:"indexCount"`
	Divergence           int  `json:"divergence"`
	NeedsRebuild         bool `json:"needsRebuild"`
	NeedsIncrementalSync bool `json:"needsIncrementalSync"`
}

type InitResult struct {
	Before Health `json:"before"`
	Action string `json:"action"`
	After  Health `json:"after"`
}

type Stats struct {
	Account       string `json:"account"`
	Mode          Mode   `json:"mode"`
	IndexCount    int    `json:"indexCount"`
	Terms         int    `json:"terms"`
	PendingIndex  int    `json:"pendingIndex"`
	PendingRemove int    `json:"pendingRemove"`
	UpdatedAt     int64  `json:"updatedAt"`
}

type SyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

type SearchResult struct {
	Total    int              `json:"total"`
	Messages []domain.Message `json:"messages"`
	// Strategy is "index" when candidates came from the text index and
	// "scan" when the message table was walked.
	Strategy string `json:"strategy"`
}

type indexKey struct {
	account string
	mode    Mode
}

type batch struct {
	index  map[string]struct{}
	remove map[string]struct{}
}

func (b *batch) size() int { return len(b.index) + len(b.remove) }

// Engine is the only goroutine touching the search tables.
type Engine struct {
	store  *store.Client
	opts   Options
	logger *logrus.Logger
	inbox  chan bus.Envelope
	now    func() time.Time

	indexes map[indexKey]*loaded
	pending map[string]*batch
	timer   <-chan time.Time
}

type loaded struct {
	idx       *Index
	updatedAt int64
}

func NewEngine(c *store.Client, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if len(opts.Modes) == 0 {
		opts.Modes = []Mode{ModeHeaders}
	}
	return &Engine{
		store:   c,
		opts:    opts,
		logger:  opts.Logger,
		inbox:   make(chan bus.Envelope, 64),
		now:     time.Now,
		indexes: make(map[indexKey]*loaded),
		pending: make(map[string]*batch),
	}
}

// Client returns a new client of this engine.
func (e *Engine) Client() *Client {
	return NewClient(e.inbox)
}

// Serve answers requests and flushes debounced batches until ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.timer:
			e.timer = nil
			e.flushAll(ctx)
		case env := <-e.inbox:
			resp := e.handle(ctx, env.Request)
			select {
			case env.Reply <- resp:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, req bus.Request) bus.Response {
	var p Params
	if err := bus.Decode(req.Payload, &p); err != nil {
		return bus.Fail(req.ID, err)
	}
	result, err := e.do(ctx, req.Action, p)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"action":  req.Action,
			"account": p.Account,
		}).WithError(err).Debug("Search request failed")
		if errors.Is(err, ErrSyntax) {
			return bus.Fail(req.ID, &queryError{msg: err.Error()})
		}
		return bus.Fail(req.ID, err)
	}
	return bus.OK(req.ID, result)
}

func (e *Engine) do(ctx context.Context, action string, p Params) (any, error) {
	if action == ActionReset {
		e.indexes = make(map[indexKey]*loaded)
		e.pending = make(map[string]*batch)
		e.timer = nil
		return nil, nil
	}
	if p.Account == "" {
		return nil, store.ErrNoAccount
	}
	if p.Mode == "" {
		p.Mode = e.opts.Modes[0]
	}
	if !e.maintains(p.Mode) {
		return nil, fmt.Errorf("search mode %q is not enabled", p.Mode)
	}

	switch action {
	case ActionIndex, ActionRemove:
		e.enqueue(ctx, action, p.Account, p.IDs)
		return nil, nil
	case ActionInit:
		return e.init(ctx, p.Account, p.Mode)
	case ActionSearch:
		return e.search(ctx, p)
	case ActionRebuild:
		return e.rebuild(ctx, p.Account, p.Mode)
	case ActionStats:
		return e.stats(ctx, p.Account, p.Mode)
	case ActionHealth:
		if err := e.flush(ctx, p.Account); err != nil {
			return nil, err
		}
		return e.health(ctx, p.Account, p.Mode)
	case ActionSyncMissing:
		return e.syncMissing(ctx, p.Account, p.Mode)
	}
	return nil, fmt.Errorf("%w: %s", store.ErrUnknownKind, action)
}

func (e *Engine) maintains(m Mode) bool {
	for _, have := range e.opts.Modes {
		if have == m {
			return true
		}
	}
	return false
}

// enqueue records ids for the next flush. A later request for the same id
// overrides an earlier one.
func (e *Engine) enqueue(ctx context.Context, action, account string, ids []string) {
	b, ok := e.pending[account]
	if !ok {
		b = &batch{index: make(map[string]struct{}), remove: make(map[string]struct{})}
		e.pending[account] = b
	}
	for _, id := range ids {
		if action == ActionIndex {
			delete(b.remove, id)
			b.index[id] = struct{}{}
		} else {
			delete(b.index, id)
			b.remove[id] = struct{}{}
		}
	}
	if b.size() >= e.opts.BatchSize {
		if err := e.flush(ctx, account); err != nil {
			e.logger.WithField("account", account).WithError(err).Warn("Failed to flush index batch")
		}
		return
	}
	if e.timer == nil && b.size() > 0 {
		e.timer = time.After(e.opts.Debounce)
	}
}

func (e *Engine) flushAll(ctx context.Context) {
	for account := range e.pending {
		if err := e.flush(ctx, account); err != nil {
			e.logger.WithField("account", account).WithError(err).Warn("Failed to flush index batch")
		}
	}
}

// flush applies the pending batch of account to every mode. A failed flush
// drops the batch; the health check repairs the difference.
func (e *Engine) flush(ctx context.Context, account string) error {
	b, ok := e.pending[account]
	if !ok || b.size() == 0 {
		return nil
	}
	delete(e.pending, account)

	ids := make([]string, 0, len(b.index))
	for id := range b.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, mode := range e.opts.Modes {
		l, err := e.ensure(ctx, account, mode)
		if err != nil {
			return err
		}
		for id := range b.remove {
			l.idx.Remove(id)
		}
		docs, err := e.hydrate(ctx, account, mode, ids)
		if err != nil {
			return err
		}
		found := make(map[string]bool, len(docs))
		for _, d := range docs {
			found[d.msg.ID] = true
			l.idx.Add(d.msg.ID, d.tokens(mode))
		}
		for _, id := range ids {
			if !found[id] {
				l.idx.Remove(id)
			}
		}
		if err := e.persist(ctx, account, mode, l); err != nil {
			return err
		}
	}
	e.logger.WithFields(logrus.Fields{
		"account": account,
		"indexed": len(b.index),
		"removed": len(b.remove),
	}).Debug("Index batch flushed")
	return nil
}

// ensure returns the index of account and mode, loading it on first use.
func (e *Engine) ensure(ctx context.Context, account string, mode Mode) (*loaded, error) {
	key := indexKey{account, mode}
	if l, ok := e.indexes[key]; ok {
		return l, nil
	}
	l := &loaded{idx: newIndex()}
	var raw json.RawMessage
	ok, err := e.store.Get(ctx, store.TableSearchIndex, account, string(mode), &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s index: %w", mode, err)
	}
	if ok {
		if err := json.Unmarshal(raw, l.idx); err != nil {
			e.logger.WithFields(logrus.Fields{
				"account": account,
				"mode":    mode,
			}).WithError(err).Warn("Discarding unreadable index payload")
			l.idx = newIndex()
		}
		var meta Meta
		if ok, err := e.store.Get(ctx, store.TableIndexMeta, account, string(mode), &meta); err == nil && ok {
			l.updatedAt = meta.UpdatedAt
		}
	}
	e.indexes[key] = l
	return l, nil
}

// persist writes the payload and its meta record together.
func (e *Engine) persist(ctx context.Context, account string, mode Mode, l *loaded) error {
	l.updatedAt = e.now().UnixMilli()
	meta := Meta{
		Account:   account,
		Mode:      mode,
		Count:     l.idx.Len(),
		Terms:     l.idx.Terms(),
		Version:   payloadVersion,
		UpdatedAt: l.updatedAt,
	}
	err := e.store.Begin(store.ReadWrite).
		Put(store.TableSearchIndex, account, string(mode), l.idx).
		Put(store.TableIndexMeta, account, string(mode), meta).
		Commit(ctx)
	if err != nil {
		return fmt.Errorf("failed to persist %s index: %w", mode, err)
	}
	return nil
}

// hydrate loads the messages for ids, with bodies in full mode. Missing
// ids are skipped.
func (e *Engine) hydrate(ctx context.Context, account string, mode Mode, ids []string) ([]document, error) {
	var docs []document
	for start := 0; start < len(ids); start += hydrateChunk {
		end := min(start+hydrateChunk, len(ids))
		msgs, err := store.BulkGetAs[domain.Message](ctx, e.store, store.TableMessages, account, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		chunk, err := e.attachBodies(ctx, account, mode, msgs)
		if err != nil {
			return nil, err
		}
		docs = append(docs, chunk...)
	}
	return docs, nil
}

func (e *Engine) attachBodies(ctx context.Context, account string, mode Mode, msgs []domain.Message) ([]document, error) {
	docs := make([]document, len(msgs))
	for i, m := range msgs {
		docs[i] = document{msg: m}
	}
	if mode != ModeFull || len(msgs) == 0 {
		return docs, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	bodies, err := store.BulkGetAs[domain.MessageBody](ctx, e.store, store.TableBodies, account, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load bodies: %w", err)
	}
	byID := make(map[string]*domain.MessageBody, len(bodies))
	for i := range bodies {
		byID[bodies[i].ID] = &bodies[i]
	}
	for i := range docs {
		docs[i].body = byID[docs[i].msg.ID]
	}
	return docs, nil
}

// scan walks the message table of account page by page.
func (e *Engine) scan(ctx context.Context, account string, mode Mode, withBodies bool, fn func(document)) error {
	if !withBodies {
		mode = ModeHeaders
	}
	for offset := 0; ; offset += scanPage {
		msgs, err := store.QueryAs[domain.Message](ctx, e.store, store.TableMessages, store.Query{
			Account: account,
			Limit:   scanPage,
			Offset:  offset,
		})
		if err != nil {
			return fmt.Errorf("failed to scan messages: %w", err)
		}
		docs, err := e.attachBodies(ctx, account, mode, msgs)
		if err != nil {
			return err
		}
		for _, d := range docs {
			fn(d)
		}
		if len(msgs) < scanPage {
			return nil
		}
	}
}

func (e *Engine) search(ctx context.Context, p Params) (SearchResult, error) {
	node, err := Parse(p.Query)
	if err != nil {
		return SearchResult{}, err
	}
	if _, ok := node.(None); ok {
		return SearchResult{Strategy: strategyIndex}, nil
	}
	if err := e.flush(ctx, p.Account); err != nil {
		return SearchResult{}, err
	}

	var hits []domain.Message
	collect := func(d document) {
		if node.match(newEvalDoc(d, p.Mode)) {
			hits = append(hits, d.msg)
		}
	}
	res := SearchResult{Strategy: strategyScan}
	text := HasText(node)
	if text {
		l, err := e.ensure(ctx, p.Account, p.Mode)
		if err != nil {
			return SearchResult{}, err
		}
		if ids, bounded := candidates(node, l.idx); bounded {
			res.Strategy = strategyIndex
			keys := make([]string, 0, len(ids))
			for id := range ids {
				keys = append(keys, id)
			}
			sort.Strings(keys)
			docs, err := e.hydrate(ctx, p.Account, p.Mode, keys)
			if err != nil {
				return SearchResult{}, err
			}
			for _, d := range docs {
				collect(d)
			}
		}
	}
	if res.Strategy == strategyScan {
		if err := e.scan(ctx, p.Account, p.Mode, text, collect); err != nil {
			return SearchResult{}, err
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Timestamp != hits[j].Timestamp {
			return hits[i].Timestamp > hits[j].Timestamp
		}
		return hits[i].ID < hits[j].ID
	})
	res.Total = len(hits)
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	start := min(max(p.Offset, 0), len(hits))
	end := min(start+limit, len(hits))
	res.Messages = hits[start:end]
	return res, nil
}

func (e *Engine) health(ctx context.Context, account string, mode Mode) (Health, error) {
	l, err := e.ensure(ctx, account, mode)
	if err != nil {
		return Health{}, err
	}
	n, err := e.store.Count(ctx, store.TableMessages, store.Query{Account: account})
	if err != nil {
		return Health{}, fmt.Errorf("failed to count messages: %w", err)
	}
	h := Health{
		MessagesCount: n,
		IndexCount:    l.idx.Len(),
		Divergence:    n - l.idx.Len(),
	}
	tolerance := max(e.opts.Tolerance, int(e.opts.Ratio*float64(n)))
	drift := h.Divergence
	if drift < 0 {
		drift = -drift
	}
	h.NeedsRebuild = h.IndexCount == 0 && n > 0
	h.NeedsIncrementalSync = !h.NeedsRebuild && drift > tolerance
	h.Healthy = !h.NeedsRebuild && !h.NeedsIncrementalSync
	return h, nil
}

// init loads the index and repairs it according to the health check.
func (e *Engine) init(ctx context.Context, account string, mode Mode) (InitResult, error) {
	before, err := e.health(ctx, account, mode)
	if err != nil {
		return InitResult{}, err
	}
	res := InitResult{Before: before, Action: HealNone}
	switch {
	case before.NeedsRebuild:
		res.Action = HealRebuild
		if _, err := e.rebuild(ctx, account, mode); err != nil {
			return res, err
		}
	case before.NeedsIncrementalSync:
		res.Action = HealSyncMissing
		if _, err := e.syncMissing(ctx, account, mode); err != nil {
			return res, err
		}
	}
	after, err := e.health(ctx, account, mode)
	if err != nil {
		return res, err
	}
	res.After = after
	if res.Action != HealNone {
		e.logger.WithFields(logrus.Fields{
			"account":    account,
			"mode":       mode,
			"action":     res.Action,
			"messages":   before.MessagesCount,
			"divergence": before.Divergence,
		}).Info("Search index repaired")
	}
	return res, nil
}

func (e *Engine) rebuild(ctx context.Context, account string, mode Mode) (Stats, error) {
	fresh := newIndex()
	err := e.scan(ctx, account, mode, true, func(d document) {
		fresh.Add(d.msg.ID, d.tokens(mode))
	})
	if err != nil {
		return Stats{}, err
	}
	l := &loaded{idx: fresh}
	if err := e.persist(ctx, account, mode, l); err != nil {
		return Stats{}, err
	}
	e.indexes[indexKey{account, mode}] = l
	return e.stats(ctx, account, mode)
}

// syncMissing indexes exactly the stored messages absent from the index
// and drops indexed ids that are no longer stored.
func (e *Engine) syncMissing(ctx context.Context, account string, mode Mode) (SyncResult, error) {
	l, err := e.ensure(ctx, account, mode)
	if err != nil {
		return SyncResult{}, err
	}
	keys, err := e.store.Keys(ctx, store.TableMessages, store.Query{Account: account})
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list messages: %w", err)
	}
	stored := make(map[string]bool, len(keys))
	var missing []string
	for _, k := range keys {
		stored[k] = true
		if !l.idx.Has(k) {
			missing = append(missing, k)
		}
	}
	var res SyncResult
	for _, id := range l.idx.IDs() {
		if !stored[id] {
			l.idx.Remove(id)
			res.Removed++
		}
	}
	docs, err := e.hydrate(ctx, account, mode, missing)
	if err != nil {
		return res, err
	}
	for _, d := range docs {
		l.idx.Add(d.msg.ID, d.tokens(mode))
		res.Added++
	}
	if res.Added+res.Removed > 0 {
		if err := e.persist(ctx, account, mode, l); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) stats(ctx context.Context, account string, mode Mode) (Stats, error) {
	l, err := e.ensure(ctx, account, mode)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Account:    account,
		Mode:       mode,
		IndexCount: l.idx.Len(),
		Terms:      l.idx.Terms(),
		UpdatedAt:  l.updatedAt,
	}
	if b, ok := e.pending[account]; ok {
		s.PendingIndex = len(b.index)
		s.PendingRemove = len(b.remove)
	}
	return s, nil
}
