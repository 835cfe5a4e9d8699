package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/bus"
	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/store"
)

// ErrAccountChanged cancels the running task when the active account is
// switched.
var ErrAccountChanged = errors.New("account changed")

var errStoreReset = errors.New("store was reset")

// Message types accepted by the orchestrator.
const (
	MessageTask    = "task"
	MessageRequest = "request"
)

// Request actions.
const (
	ActionSetAccount    = "setAccount"
	ActionSyncFolders   = "syncFolders"
	ActionScheduleAll   = "scheduleAll"
	ActionRefreshFolder = "refreshFolder"
	ActionResync        = "resync"
	ActionStatus        = "status"
)

// Event types emitted by the orchestrator.
const (
	EventProgress        = "progress"
	EventTaskComplete    = "taskComplete"
	EventTaskError       = "taskError"
	EventIdle            = "idle"
	EventRequestComplete = "requestComplete"
	EventRequestError    = "requestError"
)

// Message is what clients send to the orchestrator.
type Message struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	Task      *Task           `json:"task,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is what the orchestrator reports back.
type Event struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Folder    string          `json:"folder,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Fetched   int             `json:"fetched,omitempty"`
	Target    int             `json:"target,omitempty"`
	Completed int             `json:"completed,omitempty"`
	Total     int             `json:"total,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type envelope struct {
	msg   Message
	reply chan<- Event
}

// Defaults fill in tasks scheduled by the orchestrator itself.
type Defaults struct {
	Scope      string
	PageSize   int
	Pages      int
	BodyLimit  int
	WithBodies bool
}

type Options struct {
	Store   *store.Client
	Factory provider.Factory
	Pending PendingSource
	// Index may be nil when search is disabled.
	Index       Indexer
	Backoff     provider.Backoff
	MaxRetries  int
	TaskTimeout time.Duration
	Defaults    Defaults
	// Observe sees every network error that survived retries.
	Observe func(context.Context, error)
	Logger  *logrus.Logger
}

// SetAccountParams is the payload of setAccount.
type SetAccountParams struct {
	Account domain.Account `json:"account"`
}

// ScheduleParams is the payload of scheduleAll. An empty scope uses the
// configured one.
type ScheduleParams struct {
	Scope   string `json:"scope,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
	Resync  bool   `json:"resync,omitempty"`
}

// FolderParams is the payload of refreshFolder and resync. resync without
// a folder resynchronizes every folder.
type FolderParams struct {
	Folder string `json:"folder,omitempty"`
}

type TaskInfo struct {
	ID        string `json:"id"`
	Task      Task   `json:"task"`
	StartedAt int64  `json:"startedAt"`
}

type Status struct {
	Account   string    `json:"account"`
	Running   *TaskInfo `json:"running,omitempty"`
	Queued    []string  `json:"queued"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	LastError string    `json:"lastError,omitempty"`
	Idle      bool      `json:"idle"`
}

type noPending struct{}

func (noPending) Pending(context.Context, string) ([]domain.MutationEntry, error) { return nil, nil }

type taskDone struct {
	info    TaskInfo
	account string
	res     Result
	err     error
}

// Orchestrator owns the sync queue and runs one task at a time.
type Orchestrator struct {
	opts   Options
	logger *logrus.Logger
	inbox  chan envelope
	events chan Event
	done   chan taskDone
	resets chan struct{}

	account   domain.Account
	mailbox   provider.Mailbox
	queue     Queue
	running   *TaskInfo
	cancel    context.CancelCauseFunc
	completed int
	failed    int
	lastErr   string
	idle      bool

	// tasks counts task goroutines that have not returned yet.
	tasks gosync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Defaults.Scope == "" {
		opts.Defaults.Scope = ScopeAll
	}
	if opts.Pending == nil {
		opts.Pending = noPending{}
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		inbox:  make(chan envelope, 64),
		events: make(chan Event, 256),
		done:   make(chan taskDone, 1),
		resets: make(chan struct{}, 1),
		idle:   true,
	}
}

// Client returns a client of this orchestrator.
func (o *Orchestrator) Client() *Client {
	return &Client{inbox: o.inbox}
}

// Events delivers progress and lifecycle events. Events are dropped while
// nobody reads.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// NotifyReset schedules a full resync after the store was recreated. It
// never blocks.
func (o *Orchestrator) NotifyReset() {
	select {
	case o.resets <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.WithField("event", ev.Type).Debug("Dropping sync event")
	}
}

// Serve processes messages and runs tasks until ctx is done. It returns
// once the running task has stopped.
func (o *Orchestrator) Serve(ctx context.Context) error {
	defer o.tasks.Wait()
	defer func() {
		if o.cancel != nil {
			o.cancel(context.Canceled)
		}
	}()
	for {
		o.startNext(ctx)
		select {
		case <-ctx.Done():
			return nil
		case env := <-o.inbox:
			o.handle(ctx, env)
		case d := <-o.done:
			o.finish(ctx, d)
		case <-o.resets:
			o.onReset(ctx)
		}
	}
}

func (o *Orchestrator) startNext(ctx context.Context) {
	if o.running != nil {
		return
	}
	next, ok := o.queue.Pop()
	if !ok {
		if !o.idle {
			o.idle = true
			o.emit(Event{Type: EventIdle})
		}
		return
	}
	o.idle = false
	info := TaskInfo{ID: next.ID, Task: next.Task, StartedAt: time.Now().UnixMilli()}
	o.running = &info

	taskCtx, cancel := context.WithCancelCause(ctx)
	o.cancel = cancel
	if o.opts.TaskTimeout > 0 {
		var stop context.CancelFunc
		taskCtx, stop = context.WithTimeout(taskCtx, o.opts.TaskTimeout)
		prev := cancel
		o.cancel = func(cause error) {
			prev(cause)
			stop()
		}
	}

	account := o.account.ID
	r := &runner{
		store:    o.opts.Store,
		mailbox:  o.mailbox,
		account:  account,
		pending:  o.opts.Pending,
		index:    o.opts.Index,
		backoff:  o.opts.Backoff,
		retries:  o.opts.MaxRetries,
		observe:  o.opts.Observe,
		logger:   o.logger,
		now:      time.Now,
		progress: func(ev Event) { ev.TaskID = info.ID; o.emit(ev) },
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		d := taskDone{info: info, account: account}
		if r.mailbox == nil || account == "" {
			d.err = errNoMailbox
		} else {
			d.res, d.err = r.run(taskCtx, info.Task)
		}
		if d.err != nil {
			if cause := context.Cause(taskCtx); cause != nil && !errors.Is(d.err, cause) {
				d.err = fmt.Errorf("%w: %w", cause, d.err)
			}
		}
		select {
		case o.done <- d:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) finish(ctx context.Context, d taskDone) {
	if o.cancel != nil {
		o.cancel(context.Canceled)
		o.cancel = nil
	}
	o.running = nil
	log := o.logger.WithFields(logrus.Fields{
		"account": d.account,
		"task":    d.info.Task.Type,
		"folder":  d.info.Task.Folder,
		"elapsed": time.Since(time.UnixMilli(d.info.StartedAt)).Round(time.Millisecond),
	})

	if d.err != nil {
		ev := Event{Type: EventTaskError, TaskID: d.info.ID, Folder: d.info.Task.Folder, Error: d.err.Error()}
		switch {
		case errors.Is(d.err, ErrAccountChanged), errors.Is(d.err, errStoreReset):
			log.WithError(d.err).Debug("Sync task cancelled")
		default:
			o.failed++
			o.lastErr = d.err.Error()
			log.WithError(d.err).Warn("Sync task failed")
		}
		o.emit(ev)
		// Scheduling falls back to the cached folder list.
		if d.info.Task.Type == TaskFolders && d.info.Task.Schedule && d.account == o.account.ID &&
			!errors.Is(d.err, ErrAccountChanged) {
			o.scheduleCached(ctx, d.info.Task)
		}
		return
	}

	o.completed++
	log.WithFields(logrus.Fields{
		"fetched": d.res.Fetched,
		"written": d.res.Written,
		"pruned":  d.res.Pruned,
		"bodies":  d.res.Bodies,
	}).Info("Sync task complete")
	data, _ := json.Marshal(d.res)
	o.emit(Event{Type: EventTaskComplete, TaskID: d.info.ID, Folder: d.info.Task.Folder, Result: data})

	if d.account != o.account.ID {
		return
	}
	t := d.info.Task
	switch t.Type {
	case TaskFolders:
		if t.Schedule {
			o.schedule(d.res.Folders, t)
		}
	case TaskMetadata:
		if t.WithBodies {
			o.queue.PushFront(uuid.NewString(), Task{
				Type:      TaskBodies,
				Folder:    t.Folder,
				BodyLimit: t.BodyLimit,
			})
		}
	}
}

// schedule queues a metadata task per folder in priority order. src is
// the folders task carrying refresh and resync flags.
func (o *Orchestrator) schedule(folders []domain.Folder, src Task) int {
	scope := o.opts.Defaults.Scope
	if src.Folder != "" {
		scope = src.Folder
	}
	n := 0
	for _, f := range Prioritize(folders, scope) {
		if o.queue.Push(uuid.NewString(), o.metadataTask(f.Path, src.Refresh, src.Resync)) {
			n++
		}
	}
	return n
}

func (o *Orchestrator) scheduleCached(ctx context.Context, src Task) {
	folders, err := store.QueryAs[domain.Folder](ctx, o.opts.Store, store.TableFolders, store.Query{Account: o.account.ID})
	if err != nil {
		o.logger.WithError(err).Warn("Failed to load cached folders")
		return
	}
	o.schedule(folders, src)
}

func (o *Orchestrator) metadataTask(folder string, refresh, resync bool) Task {
	d := o.opts.Defaults
	return Task{
		Type:       TaskMetadata,
		Folder:     folder,
		PageSize:   d.PageSize,
		Pages:      d.Pages,
		WithBodies: d.WithBodies,
		BodyLimit:  d.BodyLimit,
		Refresh:    refresh,
		Resync:     resync,
	}
}

// schedulingTask is a folders task followed by metadata tasks. Its Folder
// carries the scope so that scopes deduplicate separately.
func schedulingTask(scope string, refresh, resync bool) Task {
	return Task{Type: TaskFolders, Folder: scope, Schedule: true, Refresh: refresh, Resync: resync}
}

func (o *Orchestrator) cancelRunning(cause error) {
	if o.cancel != nil {
		o.cancel(cause)
	}
}

func (o *Orchestrator) onReset(ctx context.Context) {
	o.logger.WithField("account", o.account.ID).Warn("Store reset, resynchronizing")
	o.cancelRunning(errStoreReset)
	o.queue.Reset()
	if o.account.ID != "" {
		o.queue.PushFront(uuid.NewString(), schedulingTask(o.opts.Defaults.Scope, false, true))
	}
}

func (o *Orchestrator) handle(ctx context.Context, env envelope) {
	switch env.msg.Type {
	case MessageTask:
		if env.msg.Task == nil {
			return
		}
		id := env.msg.TaskID
		if id == "" {
			id = uuid.NewString()
		}
		o.queue.Push(id, *env.msg.Task)
	case MessageRequest:
		result, err := o.request(ctx, env.msg.Action, env.msg.Payload)
		ev := Event{Type: EventRequestComplete, RequestID: env.msg.RequestID}
		if err != nil {
			ev.Type = EventRequestError
			ev.Error = err.Error()
		} else if data, merr := json.Marshal(result); merr == nil {
			ev.Result = data
		}
		if env.reply != nil {
			env.reply <- ev
		}
	default:
		o.logger.WithField("type", env.msg.Type).Warn("Ignoring unknown sync message")
	}
}

func (o *Orchestrator) request(ctx context.Context, action string, payload json.RawMessage) (any, error) {
	switch action {
	case ActionSetAccount:
		var p SetAccountParams
		if err := bus.Decode(payload, &p); err != nil {
			return nil, err
		}
		return o.setAccount(ctx, p.Account)
	case ActionStatus:
		return o.status(), nil
	}

	if o.account.ID == "" {
		return nil, store.ErrNoAccount
	}
	switch action {
	case ActionSyncFolders:
		id := uuid.NewString()
		o.queue.PushFront(id, Task{Type: TaskFolders})
		return map[string]string{"taskId": id}, nil
	case ActionScheduleAll:
		var p ScheduleParams
		if err := bus.Decode(payload, &p); err != nil {
			return nil, err
		}
		scope := p.Scope
		if scope == "" {
			scope = o.opts.Defaults.Scope
		}
		if scope != ScopeAll && scope != ScopePriority {
			return nil, fmt.Errorf("unknown sync scope %q", scope)
		}
		id := uuid.NewString()
		o.queue.Push(id, schedulingTask(scope, p.Refresh, p.Resync))
		return map[string]string{"taskId": id}, nil
	case ActionRefreshFolder, ActionResync:
		var p FolderParams
		if err := bus.Decode(payload, &p); err != nil {
			return nil, err
		}
		resync := action == ActionResync
		if p.Folder == "" {
			if !resync {
				return nil, errors.New("refreshFolder needs a folder")
			}
			o.queue.Reset()
			id := uuid.NewString()
			o.queue.PushFront(id, schedulingTask(o.opts.Defaults.Scope, false, true))
			return map[string]string{"taskId": id}, nil
		}
		id := uuid.NewString()
		o.queue.PushFront(id, o.metadataTask(p.Folder, true, resync))
		return map[string]string{"taskId": id}, nil
	}
	return nil, fmt.Errorf("unknown sync action %q", action)
}

// setAccount drops the queue, cancels the running task and opens the
// mailbox of acc.
func (o *Orchestrator) setAccount(ctx context.Context, acc domain.Account) (any, error) {
	dropped := o.queue.Reset()
	if o.running != nil {
		o.cancelRunning(ErrAccountChanged)
	}
	o.account = domain.Account{}
	o.mailbox = nil
	if acc.ID == "" {
		return map[string]int{"dropped": dropped}, nil
	}
	if o.opts.Factory == nil {
		return nil, errors.New("no mailbox factory configured")
	}
	mb, err := o.opts.Factory(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox for %s: %w", acc.ID, err)
	}
	o.account = acc
	o.mailbox = mb
	o.logger.WithFields(logrus.Fields{
		"account": acc.ID,
		"dropped": dropped,
	}).Info("Sync account switched")
	return map[string]int{"dropped": dropped}, nil
}

func (o *Orchestrator) status() Status {
	s := Status{
		Account:   o.account.ID,
		Queued:    o.queue.Keys(),
		Completed: o.completed,
		Failed:    o.failed,
		LastError: o.lastErr,
		Idle:      o.running == nil && o.queue.Len() == 0,
	}
	if o.running != nil {
		info := *o.running
		s.Running = &info
	}
	return s
}
