package sqlite

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/bus"
	"github.com/lu-zhengda/mailcore/internal/store"
)

// Owner is the only goroutine that touches the database. Other components
// reach it through clients returned by Client.
type Owner struct {
	engine *Engine
	opts   Options
	inbox  chan bus.Envelope
	logger *logrus.Logger

	mu    sync.Mutex
	hooks []func(store.ResetEvent)
}

// NewOwner opens the store and returns its owner. Serve must be running
// for clients to make progress.
func NewOwner(ctx context.Context, opts Options) (*Owner, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	engine, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Owner{
		engine: engine,
		opts:   engine.opts,
		inbox:  make(chan bus.Envelope, 64),
		logger: opts.Logger,
	}, nil
}

// Client returns a new client of this owner.
func (o *Owner) Client() *store.Client {
	return store.NewClient(o.inbox)
}

// Inbox exposes the raw request channel.
func (o *Owner) Inbox() chan<- bus.Envelope {
	return o.inbox
}

// OnReset registers fn to run after the store was destroyed and recreated.
// Hooks run on the owner goroutine and must not block or call the store.
func (o *Owner) OnReset(fn func(store.ResetEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Serve answers requests one at a time until ctx is done.
func (o *Owner) Serve(ctx context.Context) error {
	defer o.engine.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-o.inbox:
			resp := o.handle(ctx, env.Request)
			select {
			case env.Reply <- resp:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (o *Owner) handle(ctx context.Context, req bus.Request) bus.Response {
	result, err := o.engine.Do(ctx, req.Action, req.Table, req.Payload)
	if err == nil {
		return bus.OK(req.ID, result)
	}
	serr := classify(err)
	if serr.Message == "" {
		serr.Message = err.Error()
	}
	log := o.logger.WithFields(logrus.Fields{
		"action": req.Action,
		"table":  req.Table,
		"error":  serr.Name,
	})
	if serr.Recoverable() {
		log.WithError(err).Error("Store failed, recreating")
		o.recover(ctx, serr)
	} else {
		log.WithError(err).Debug("Store request failed")
	}
	return bus.Fail(req.ID, &store.Error{Name: serr.Name, Code: serr.Code, Message: err.Error()})
}

// recover closes, deletes and reopens the database, then tells the reset
// hooks so dependent workers stop and resynchronize. Queued mutations,
// the outbox, drafts and settings are copied into the new database; only
// cached server data is lost.
func (o *Owner) recover(ctx context.Context, cause *store.Error) {
	kept, err := o.engine.export(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Could not read local changes before recreating store")
	}
	o.engine.Close()

	ev := store.ResetEvent{Reason: cause.Name, At: time.Now()}
	o.mu.Lock()
	hooks := slices.Clone(o.hooks)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(ev)
	}

	if err := o.engine.Recreate(ctx); err != nil {
		o.logger.WithError(err).Error("Failed to recreate store")
		return
	}
	n, err := o.engine.restore(ctx, kept)
	if err != nil {
		o.logger.WithError(err).Error("Failed to restore local changes")
	}
	o.logger.WithFields(logrus.Fields{
		"reason":   cause.Name,
		"restored": n,
	}).Warn("Store recreated")
}
