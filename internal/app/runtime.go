package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/lu-zhengda/mailcore/internal/config"
	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/evict"
	"github.com/lu-zhengda/mailcore/internal/offline"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/provider/gmail"
	"github.com/lu-zhengda/mailcore/internal/reconcile"
	"github.com/lu-zhengda/mailcore/internal/search"
	"github.com/lu-zhengda/mailcore/internal/store"
	"github.com/lu-zhengda/mailcore/internal/store/sqlite"
	mailsync "github.com/lu-zhengda/mailcore/internal/sync"
)

var errNoMailbox = errors.New("no mailbox open")

type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	// Tokens holds remote credentials. Defaults to the OS keyring.
	Tokens store.TokenStore
	// Factory overrides the mailbox selected by remote.kind.
	Factory provider.Factory
	// OnRefresh is told about every tracked refresh that finished. applied
	// is false when the view moved on while the fetch was running.
	OnRefresh func(v View, applied bool)
}

// Runtime owns every worker of the engine for one process.
type Runtime struct {
	cfg    *config.Config
	logger *logrus.Logger

	owner   *sqlite.Owner
	engine  *search.Engine
	orch    *mailsync.Orchestrator
	factory provider.Factory

	Store    *store.Client
	Search   *search.Client
	Sync     *mailsync.Client
	Queue    *offline.Queue
	Replayer *offline.Replayer
	Outbox   *offline.Outbox
	Monitor  *offline.Monitor
	Evictor  *evict.Manager
	Session  *Session
	Actions  *Actions

	onRefresh func(v View, applied bool)

	mu      sync.Mutex
	mailbox provider.Mailbox
	ctx     context.Context

	events chan mailsync.Event

	refreshMu sync.Mutex
	// refreshes holds the ticket taken when a fetch of the folder on screen
	// was dispatched.
	refreshes map[string]reconcile.Ticket

	draining atomic.Bool
	// rekick is set by every kick and consumed by the drain loop.
	rekick atomic.Bool
}

// New opens the store and builds every component. Nothing runs until Run.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = store.NewKeyringTokenStore()
	}

	owner, err := sqlite.NewOwner(ctx, sqlite.Options{
		Path:       cfg.StorePath(),
		QuotaBytes: cfg.Store.QuotaBytes,
		RetryDelay: cfg.Store.OpenRetryDelay.Duration,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		owner:     owner,
		ctx:       ctx,
		events:    make(chan mailsync.Event, 256),
		refreshes: make(map[string]reconcile.Ticket),
		onRefresh: opts.OnRefresh,
	}
	r.factory = opts.Factory
	if r.factory == nil {
		r.factory = remoteFactory(cfg, tokens)
	}
	r.Store = owner.Client()

	modes := []search.Mode{search.ModeHeaders}
	if cfg.Search.IncludeBodies {
		modes = append(modes, search.ModeFull)
	}
	r.engine = search.NewEngine(r.Store, search.Options{
		BatchSize: cfg.Search.BatchSize,
		Debounce:  cfg.Search.Debounce.Duration,
		Modes:     modes,
		Tolerance: cfg.Search.DivergenceTolerance,
		Ratio:     cfg.Search.DivergenceRatio,
		Logger:    logger,
	})
	r.Search = r.engine.Client()

	r.Queue = offline.NewQueue(r.Store)
	r.Replayer = offline.NewReplayer(r.Queue, cfg.Offline.MaxAttempts, logger)
	r.Replayer.OnHardFailure = func(e domain.MutationEntry) {
		logger.WithFields(logrus.Fields{
			"account": e.AccountID,
			"type":    e.Type,
			"target":  e.TargetID,
		}).Warn("Mutation parked after repeated failures")
	}
	r.Outbox = offline.NewOutbox(r.Store, offline.OutboxOptions{
		Backoff:     provider.Backoff{Base: cfg.Offline.OutboxBaseDelay.Duration, Max: cfg.Offline.OutboxMaxDelay.Duration, Jitter: cfg.Remote.Jitter},
		MaxAttempts: cfg.Offline.MaxAttempts,
		Logger:      logger,
	})
	r.Outbox.OnHardFailure = func(item domain.OutboxItem) {
		logger.WithFields(logrus.Fields{
			"account": item.AccountID,
			"id":      item.ID,
		}).Warn("Outgoing message parked after repeated failures")
	}
	r.Monitor = offline.NewMonitor(nil, cfg.Offline.ProbeInterval.Duration, logger)
	r.Monitor.OnOnline(func(ctx context.Context) {
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, errNoMailbox) {
			logger.WithError(err).Warn("Failed to flush queues after reconnecting")
		}
	})

	r.orch = mailsync.New(mailsync.Options{
		Store:       r.Store,
		Factory:     r.factory,
		Pending:     r.Queue,
		Index:       r.Search,
		Backoff:     provider.Backoff{Base: cfg.Remote.BaseDelay.Duration, Max: cfg.Remote.MaxDelay.Duration, Jitter: cfg.Remote.Jitter},
		MaxRetries:  cfg.Remote.MaxRetries,
		TaskTimeout: cfg.Sync.TaskTimeout.Duration,
		Defaults: mailsync.Defaults{
			Scope:      cfg.Sync.Scope,
			PageSize:   cfg.Sync.PageSize,
			Pages:      cfg.Sync.Pages,
			BodyLimit:  cfg.Sync.BodyLimit,
			WithBodies: cfg.Sync.WithBodies,
		},
		Observe: r.Monitor.Observe,
		Logger:  logger,
	})
	r.Sync = r.orch.Client()

	r.Evictor = evict.New(r.Store, evict.Options{
		HighWater:      cfg.Eviction.HighWater,
		TargetFraction: cfg.Eviction.TargetFraction,
		BatchSize:      cfg.Eviction.BatchSize,
		SampleSize:     cfg.Eviction.SampleSize,
		Interval:       cfg.Eviction.PollInterval.Duration,
		Accounts:       r.accounts,
		Pending:        r.Queue,
		Index:          r.Search,
		Logger:         logger,
	})

	r.Session = NewSession(r.Store, SessionOptions{PageLimit: cfg.Sync.PageSize})
	r.Actions = NewActions(r.Store, r.Queue, r.Outbox, r.Session, r.Search, r.kick, logger)

	// Hooks run on the store goroutine and must not call back into it.
	owner.OnReset(func(ev store.ResetEvent) {
		logger.WithField("reason", ev.Reason).Warn("Store reset, resynchronizing")
		r.orch.NotifyReset()
		r.Session.Invalidate()
		go func() {
			if err := r.Search.Reset(r.context()); err != nil {
				logger.WithError(err).Warn("Failed to reset search indexes")
			}
		}()
	})
	return r, nil
}

// remoteFactory opens the mailbox selected by remote.kind. Retries are
// left to the callers, which back off and observe connectivity.
func remoteFactory(cfg *config.Config, tokens store.TokenStore) provider.Factory {
	if cfg.Remote.Kind == "gmail" {
		if cfg.Gmail.ClientID != "" {
			gmail.SetCredentials(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret)
		}
		return gmail.Factory(tokens)
	}
	return func(_ context.Context, acc domain.Account) (provider.Mailbox, error) {
		baseURL := acc.BaseURL
		if baseURL == "" {
			baseURL = cfg.Remote.BaseURL
		}
		var ts oauth2.TokenSource
		if src, err := store.TokenSource(tokens, acc.ID, nil); err == nil {
			ts = src
		}
		return provider.NewHTTPClient(baseURL, acc.ID, ts, provider.HTTPOptions{
			Timeout: cfg.Remote.Timeout.Duration,
			Backoff: provider.Backoff{Base: cfg.Remote.BaseDelay.Duration, Max: cfg.Remote.MaxDelay.Duration, Jitter: cfg.Remote.Jitter},
		}), nil
	}
}

// Run starts every worker and blocks until ctx is done or one of them
// fails. Periodic syncs run every sync.interval while online.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	g.Go(func() error { return r.owner.Serve(ctx) })
	g.Go(func() error { return r.engine.Serve(ctx) })
	g.Go(func() error { return r.orch.Serve(ctx) })
	g.Go(func() error { return r.relay(ctx) })
	g.Go(func() error { return r.Monitor.Run(ctx) })
	g.Go(func() error { return r.Evictor.Run(ctx) })
	g.Go(func() error { return r.schedule(ctx) })
	return g.Wait()
}

// Start runs the workers in the background and returns a function that
// stops them and waits.
func (r *Runtime) Start(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		err := <-done
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func (r *Runtime) schedule(ctx context.Context) error {
	interval := r.cfg.Sync.Interval.Duration
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.Session.Account().ID == "" || !r.Monitor.Online() {
				continue
			}
			if err := r.SyncAll(ctx, mailsync.ScheduleParams{Refresh: true}); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Failed to schedule periodic sync")
			}
		}
	}
}

func (r *Runtime) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// Events delivers sync progress and lifecycle events. A completion event
// is delivered after its tracked refresh reached the session.
func (r *Runtime) Events() <-chan mailsync.Event {
	return r.events
}

// relay forwards orchestrator events until ctx is done.
func (r *Runtime) relay(ctx context.Context) error {
	src := r.orch.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-src:
			if ev.Type == mailsync.EventTaskComplete {
				r.land(ctx, ev.Folder)
			}
			select {
			case r.events <- ev:
			default:
				r.logger.WithField("event", ev.Type).Debug("Dropping sync event")
			}
		}
	}
}

// RefreshFolder queues a page-one refresh of folder. When folder is on
// screen the result replaces the view, unless the user navigated or
// switched accounts before the fetch finished.
func (r *Runtime) RefreshFolder(ctx context.Context, folder string) error {
	r.track(folder)
	return r.Sync.RefreshFolder(ctx, folder)
}

// SyncAll schedules every folder and tracks the one on screen.
func (r *Runtime) SyncAll(ctx context.Context, p mailsync.ScheduleParams) error {
	r.track(r.Session.View().Folder)
	return r.Sync.ScheduleAll(ctx, p)
}

// track records a ticket for folder if it is the folder on screen. The
// ticket is taken first so a navigation in between leaves it stale.
func (r *Runtime) track(folder string) {
	ticket := r.Session.Ticket()
	if folder == "" || folder != r.Session.View().Folder {
		return
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.refreshes[folder] = ticket
}

// land re-reads the view for a finished fetch of folder under the ticket
// taken at dispatch.
func (r *Runtime) land(ctx context.Context, folder string) {
	r.refreshMu.Lock()
	ticket, ok := r.refreshes[folder]
	delete(r.refreshes, folder)
	r.refreshMu.Unlock()
	if !ok {
		return
	}
	v, applied, err := r.Session.Refresh(ctx, ticket)
	if err != nil {
		r.logger.WithError(err).WithField("folder", folder).Warn("Failed to refresh view")
		return
	}
	if !applied {
		r.logger.WithField("folder", folder).Debug("Discarding stale refresh")
	}
	if r.onRefresh != nil {
		r.onRefresh(v, applied)
	}
}

// SwitchAccount makes acc the active account: the sync queue of the old
// account is dropped, the session swaps to preloaded state for acc and the
// search indexes of acc are checked and healed.
func (r *Runtime) SwitchAccount(ctx context.Context, acc domain.Account) error {
	if err := r.Sync.SetAccount(ctx, acc); err != nil {
		return err
	}
	r.refreshMu.Lock()
	clear(r.refreshes)
	r.refreshMu.Unlock()
	var mb provider.Mailbox
	if acc.ID != "" {
		var err error
		mb, err = r.factory(ctx, acc)
		if err != nil {
			return fmt.Errorf("failed to open mailbox for %s: %w", acc.ID, err)
		}
	}
	r.mu.Lock()
	r.mailbox = mb
	r.mu.Unlock()
	if mb != nil {
		r.Monitor.SetProbe(mb.Ping)
	} else {
		r.Monitor.SetProbe(nil)
	}

	if err := r.Session.Switch(ctx, acc); err != nil {
		return err
	}
	if acc.ID == "" {
		return nil
	}
	for _, mode := range r.modes() {
		res, err := r.Search.Init(ctx, acc.ID, mode)
		if err != nil {
			r.logger.WithError(err).WithField("mode", mode).Warn("Failed to initialize search index")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"account": acc.ID,
			"mode":    mode,
			"action":  res.Action,
		}).Debug("Search index ready")
	}
	return nil
}

func (r *Runtime) modes() []search.Mode {
	if r.cfg.Search.IncludeBodies {
		return []search.Mode{search.ModeHeaders, search.ModeFull}
	}
	return []search.Mode{search.ModeHeaders}
}

// accounts lists the configured accounts and the active one.
func (r *Runtime) accounts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, a := range r.cfg.Accounts.List {
		add(a.ID)
	}
	add(r.Session.Account().ID)
	return out
}

// Flush replays queued mutations and then the outbox of the active
// account.
func (r *Runtime) Flush(ctx context.Context) (offline.DrainResult, error) {
	r.mu.Lock()
	mb := r.mailbox
	r.mu.Unlock()
	account := r.Session.Account().ID
	if mb == nil || account == "" {
		return offline.DrainResult{}, errNoMailbox
	}
	res, err := offline.Drain(ctx, r.Replayer, r.Outbox, account, mb)
	if err != nil {
		r.Monitor.Observe(ctx, err)
	}
	return res, err
}

// kick flushes in the background while online. A kick that arrives while
// a flush runs makes the drain loop flush again once it is done.
func (r *Runtime) kick() {
	if !r.Monitor.Online() {
		return
	}
	r.rekick.Store(true)
	if !r.draining.CompareAndSwap(false, true) {
		return
	}
	go r.drain(r.context())
}

func (r *Runtime) drain(ctx context.Context) {
	for {
		for r.rekick.Swap(false) {
			res, err := r.Flush(ctx)
			if err != nil {
				// Reconnecting flushes again; other errors wait for the next kick.
				if !errors.Is(err, errNoMailbox) && ctx.Err() == nil {
					r.logger.WithError(err).Debug("Background flush stopped")
				}
				r.rekick.Store(false)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"replayed": res.Mutations.Replayed,
				"sent":     res.Outbox.Sent,
			}).Debug("Background flush done")
		}
		r.draining.Store(false)
		// A kick between the last Swap and Store saw draining set and left.
		if !r.rekick.Load() || !r.draining.CompareAndSwap(false, true) {
			return
		}
	}
}
