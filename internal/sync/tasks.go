package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/reconcile"
	"github.com/lu-zhengda/mailcore/internal/store"
)

const (
	defaultPageSize  = 50
	defaultBodyLimit = 25
	bodyChunk        = 10
	scanChunk        = 200
)

// PendingSource lists the mutations the server has not acknowledged yet.
type PendingSource interface {
	Pending(ctx context.Context, account string) ([]domain.MutationEntry, error)
}

// Indexer is told which messages changed or disappeared.
type Indexer interface {
	Index(ctx context.Context, account string, ids []string) error
	Remove(ctx context.Context, account string, ids []string) error
}

// Result describes what a finished task did.
type Result struct {
	Fetched  int                  `json:"fetched,omitempty"`
	Skipped  int                  `json:"skipped,omitempty"`
	Written  int                  `json:"written,omitempty"`
	Pruned   int                  `json:"pruned,omitempty"`
	Bodies   int                  `json:"bodies,omitempty"`
	Folders  []domain.Folder      `json:"folders,omitempty"`
	Manifest *domain.SyncManifest `json:"manifest,omitempty"`
}

// runner executes tasks for one account. A new runner is built per task.
type runner struct {
	store    *store.Client
	mailbox  provider.Mailbox
	account  string
	pending  PendingSource
	index    Indexer
	backoff  provider.Backoff
	retries  int
	observe  func(context.Context, error)
	logger   *logrus.Logger
	now      func() time.Time
	progress func(Event)
}

func (r *runner) run(ctx context.Context, t Task) (Result, error) {
	switch t.Type {
	case TaskFolders:
		return r.folders(ctx)
	case TaskMetadata:
		return r.metadata(ctx, t)
	case TaskBodies:
		return r.bodies(ctx, t)
	}
	return Result{}, fmt.Errorf("unknown task type %q", t.Type)
}

// remote runs fn with retries and reports the final error to the
// connectivity observer.
func (r *runner) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	err := r.backoff.Retry(ctx, r.retries, fn)
	if err != nil && r.observe != nil {
		r.observe(ctx, err)
	}
	return err
}

func (r *runner) log(t Task) *logrus.Entry {
	return r.logger.WithFields(logrus.Fields{
		"account": r.account,
		"task":    t.Type,
		"folder":  t.Folder,
	})
}

func (r *runner) folders(ctx context.Context) (Result, error) {
	var raws []json.RawMessage
	err := r.remote(ctx, func(ctx context.Context) error {
		var err error
		raws, err = r.mailbox.ListFolders(ctx)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list folders: %w", err)
	}

	var res Result
	fresh := make(map[string]bool, len(raws))
	for _, raw := range raws {
		f, err := reconcile.NormalizeFolder(r.account, raw)
		if err != nil {
			res.Skipped++
			continue
		}
		if fresh[f.Path] {
			continue
		}
		fresh[f.Path] = true
		res.Folders = append(res.Folders, f)
	}
	cached, err := r.store.Keys(ctx, store.TableFolders, store.Query{Account: r.account})
	if err != nil {
		return res, fmt.Errorf("failed to list cached folders: %w", err)
	}
	var gone []string
	for _, path := range cached {
		if !fresh[path] {
			gone = append(gone, path)
		}
	}
	rows, err := store.Encode(res.Folders, func(f domain.Folder) string { return f.Path })
	if err != nil {
		return res, err
	}
	err = r.store.Begin(store.ReadWrite).
		BulkPut(store.TableFolders, r.account, rows).
		BulkDelete(store.TableFolders, r.account, gone).
		Commit(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to store folders: %w", err)
	}
	res.Written = len(rows)
	res.Pruned = len(gone)
	return res, nil
}

func (r *runner) loadManifest(ctx context.Context, folder string) (domain.SyncManifest, error) {
	m := domain.SyncManifest{AccountID: r.account, Folder: folder}
	if _, err := r.store.Get(ctx, store.TableManifests, r.account, folder, &m); err != nil {
		return m, fmt.Errorf("failed to load manifest: %w", err)
	}
	return m, nil
}

// metadata fetches up to t.Pages listing pages. Page one is fetched when
// the folder was never synced, on refresh and resync, and when the cursor
// is exhausted; it does not move the resume cursor of a started manifest.
// Other pages resume from the manifest cursor.
func (r *runner) metadata(ctx context.Context, t Task) (Result, error) {
	var res Result
	m, err := r.loadManifest(ctx, t.Folder)
	if err != nil {
		return res, err
	}
	if t.Resync {
		m = m.Reset()
	}
	pending, err := r.pending.Pending(ctx, r.account)
	if err != nil {
		return res, fmt.Errorf("failed to load pending mutations: %w", err)
	}
	pendingTargets := make(map[string]bool, len(pending))
	for _, e := range pending {
		pendingTargets[e.TargetID] = true
	}

	pageSize := t.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pages := max(t.Pages, 1)
	refresh := !m.Started() || t.Refresh || t.Resync || m.Exhausted

	for i := 0; i < pages; i++ {
		first := refresh && i == 0
		if !first && m.Exhausted {
			break
		}
		cursor, pageNo := m.NextCursor, m.PagesFetched+1
		if first {
			cursor, pageNo = "", 1
		}

		var page provider.Page
		err := r.remote(ctx, func(ctx context.Context) error {
			var err error
			page, err = r.mailbox.ListMessages(ctx, provider.ListOptions{Folder: t.Folder, Cursor: cursor, PageSize: pageSize})
			return err
		})
		if err != nil {
			return res, fmt.Errorf("failed to list %s page %d: %w", t.Folder, pageNo, err)
		}

		msgs, skipped := reconcile.NormalizeMessages(r.account, t.Folder, page.Records)
		res.Fetched += len(msgs)
		res.Skipped += skipped
		if skipped > 0 {
			r.log(t).WithField("skipped", skipped).Warn("Skipped unreadable records")
		}
		for i := range msgs {
			msgs[i].Page = pageNo
		}

		writes, err := r.merge(ctx, msgs, pending)
		if err != nil {
			return res, err
		}
		var gone []string
		if pageNo == 1 {
			gone, err = r.pruneFirstPage(ctx, t.Folder, msgs, pageSize, pendingTargets)
			if err != nil {
				return res, err
			}
		}

		next := m
		next.LastSyncedAt = r.now().Unix()
		next.Total = page.Total
		for _, msg := range msgs {
			next.LastModSeq = max(next.LastModSeq, msg.ModSeq)
		}
		if !first || !m.Started() {
			next.NextCursor = page.NextCursor
			next.Position = m.Position + len(page.Records)
			next.PagesFetched = pageNo
			next.Exhausted = page.NextCursor == ""
		}
		next, err = m.Advance(next)
		if err != nil {
			return res, err
		}

		rows, err := store.Encode(writes, func(m domain.Message) string { return m.ID })
		if err != nil {
			return res, err
		}
		err = r.store.Begin(store.ReadWrite).
			BulkPut(store.TableMessages, r.account, rows).
			BulkDelete(store.TableMessages, r.account, gone).
			BulkDelete(store.TableBodies, r.account, gone).
			Put(store.TableManifests, r.account, t.Folder, next).
			Commit(ctx)
		if err != nil {
			return res, fmt.Errorf("failed to store %s page %d: %w", t.Folder, pageNo, err)
		}
		m = next
		res.Written += len(writes)
		res.Pruned += len(gone)

		r.notify(ctx, writes, gone)
		r.progress(Event{
			Type:    EventProgress,
			Folder:  t.Folder,
			Stage:   string(TaskMetadata),
			Fetched: m.Position,
			Target:  page.Total,
		})
		if len(msgs) == 0 && page.NextCursor == "" {
			break
		}
	}
	res.Manifest = &m
	return res, nil
}

func (r *runner) merge(ctx context.Context, msgs []domain.Message, pending []domain.MutationEntry) ([]domain.Message, error) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	existing, err := store.BulkGetAs[domain.Message](ctx, r.store, store.TableMessages, r.account, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached messages: %w", err)
	}
	cached := make(map[string]domain.Message, len(existing))
	for _, m := range existing {
		cached[m.ID] = m
	}
	return reconcile.MergeBatch(cached, msgs, pending), nil
}

// pruneFirstPage returns cached page-one rows of folder missing from the
// fresh page. On a full page only rows at least as new as the oldest fresh
// row count: older ones slid to page two. Targets of pending mutations are
// kept.
func (r *runner) pruneFirstPage(ctx context.Context, folder string, fresh []domain.Message, pageSize int, pending map[string]bool) ([]string, error) {
	rows, err := store.QueryAs[domain.Message](ctx, r.store, store.TableMessages, store.Query{
		Account: r.account,
		Index:   "page",
		Equals:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load first page: %w", err)
	}
	var oldest int64
	if len(fresh) >= pageSize {
		oldest = fresh[0].Timestamp
		for _, m := range fresh {
			oldest = min(oldest, m.Timestamp)
		}
	}
	var cached []domain.Message
	for _, m := range rows {
		if m.Folder == folder && m.Timestamp >= oldest && !pending[m.ID] {
			cached = append(cached, m)
		}
	}
	return reconcile.Prune(cached, fresh), nil
}

func (r *runner) notify(ctx context.Context, writes []domain.Message, gone []string) {
	if r.index == nil {
		return
	}
	ids := make([]string, len(writes))
	for i, m := range writes {
		ids[i] = m.ID
	}
	if err := r.index.Index(ctx, r.account, ids); err != nil {
		r.logger.WithError(err).Warn("Failed to queue messages for indexing")
	}
	if err := r.index.Remove(ctx, r.account, gone); err != nil {
		r.logger.WithError(err).Warn("Failed to queue messages for index removal")
	}
}

// bodies fetches missing bodies of a folder: the ids named by t, or the
// newest t.BodyLimit messages without a cached body.
func (r *runner) bodies(ctx context.Context, t Task) (Result, error) {
	var res Result
	limit := t.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	have, err := r.store.Keys(ctx, store.TableBodies, store.Query{Account: r.account, Index: "folder", Equals: t.Folder})
	if err != nil {
		return res, fmt.Errorf("failed to list cached bodies: %w", err)
	}
	cached := make(map[string]bool, len(have))
	for _, k := range have {
		cached[k] = true
	}

	want, err := r.bodyCandidates(ctx, t, cached, limit)
	if err != nil {
		return res, err
	}

	byID := make(map[string]domain.Message, len(want))
	for _, m := range want {
		byID[m.ID] = m
	}
	for start := 0; start < len(want); start += bodyChunk {
		end := min(start+bodyChunk, len(want))
		ids := make([]string, 0, end-start)
		for _, m := range want[start:end] {
			ids = append(ids, m.ID)
		}
		var raws []json.RawMessage
		err := r.remote(ctx, func(ctx context.Context) error {
			var err error
			raws, err = r.mailbox.GetBodies(ctx, t.Folder, ids)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("failed to fetch bodies: %w", err)
		}

		var bodies []domain.MessageBody
		for _, raw := range raws {
			b, err := reconcile.NormalizeBody(r.account, t.Folder, raw)
			if err != nil {
				res.Skipped++
				continue
			}
			msg, ok := byID[b.ID]
			if !ok {
				res.Skipped++
				continue
			}
			b.Folder = msg.Folder
			b.Timestamp = msg.Timestamp
			b.FetchedAt = r.now().Unix()
			bodies = append(bodies, b)
		}
		rows, err := store.Encode(bodies, func(b domain.MessageBody) string { return b.ID })
		if err != nil {
			return res, err
		}
		if err := r.store.BulkPut(ctx, store.TableBodies, r.account, rows); err != nil {
			return res, fmt.Errorf("failed to store bodies: %w", err)
		}
		res.Bodies += len(bodies)
		if r.index != nil && len(bodies) > 0 {
			stored := make([]string, len(bodies))
			for i, b := range bodies {
				stored[i] = b.ID
			}
			if err := r.index.Index(ctx, r.account, stored); err != nil {
				r.log(t).WithError(err).Warn("Failed to queue bodies for indexing")
			}
		}
		r.progress(Event{
			Type:      EventProgress,
			Folder:    t.Folder,
			Stage:     string(TaskBodies),
			Completed: end,
			Total:     len(want),
		})
	}
	return res, nil
}

// bodyCandidates lists the messages of t whose bodies are missing: the
// requested ids when t names them, otherwise the newest limit messages of
// the folder.
func (r *runner) bodyCandidates(ctx context.Context, t Task, cached map[string]bool, limit int) ([]domain.Message, error) {
	var want []domain.Message
	if len(t.IDs) > 0 {
		msgs, err := store.BulkGetAs[domain.Message](ctx, r.store, store.TableMessages, r.account, t.IDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load requested messages: %w", err)
		}
		for _, m := range msgs {
			if !cached[m.ID] && m.Folder == t.Folder {
				want = append(want, m)
			}
		}
		return want, nil
	}
	for offset := 0; len(want) < limit; offset += scanChunk {
		msgs, err := store.QueryAs[domain.Message](ctx, r.store, store.TableMessages, store.Query{
			Account: r.account,
			Index:   "folder",
			Equals:  t.Folder,
			OrderBy: "timestamp",
			Reverse: true,
			Limit:   scanChunk,
			Offset:  offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range msgs {
			if !cached[m.ID] && len(want) < limit {
				want = append(want, m)
			}
		}
		if len(msgs) < scanChunk {
			break
		}
	}
	return want, nil
}

var errNoMailbox = errors.New("no account selected")
