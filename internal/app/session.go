// Package app is the client side of the engine: the Session holding what
// is visible, the optimistic Actions, and the Runtime wiring every
// component together.
package app

import (
	"context"
	"fmt"
	"maps"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/reconcile"
	"github.com/lu-zhengda/mailcore/internal/store"
)

const (
	defaultCacheSize = 32
	defaultPageLimit = 50
)

// SettingStartFolder names the folder shown after switching to an account.
const SettingStartFolder = "start_folder"

// View is what the presentation layer renders for one folder.
type View struct {
	Account    string           `json:"account"`
	Folder     string           `json:"folder"`
	Messages   []domain.Message `json:"messages"`
	Unread     int              `json:"unread"`
	Generation uint64           `json:"generation"`
}

// state is everything tied to one account. It is replaced as a whole on
// an account switch.
type state struct {
	account  domain.Account
	folders  []domain.Folder
	settings map[string]string
	// listings caches folder listings read from the store.
	listings *lru.Cache[string, []domain.Message]
	view     View
}

type SessionOptions struct {
	CacheSize int
	PageLimit int
}

// Session reads everything it shows from the store. Navigation bumps the
// generation; reads dispatched under an older generation may still land
// in the store but never replace the visible view.
type Session struct {
	store *store.Client
	opts  SessionOptions
	gen   reconcile.Generation

	mu  sync.RWMutex
	cur *state
}

func NewSession(c *store.Client, opts SessionOptions) *Session {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	return &Session{store: c, opts: opts, cur: &state{}}
}

func (s *Session) Generation() *reconcile.Generation {
	return &s.gen
}

// Ticket captures the current generation for a fetch about to be
// dispatched.
func (s *Session) Ticket() reconcile.Ticket {
	return s.gen.Capture()
}

func (s *Session) Account() domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.account
}

func (s *Session) Folders() []domain.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Folder(nil), s.cur.folders...)
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.view
}

// Switch preloads the folders and inbox of acc and then replaces the
// session state in one step, so readers never see a mix of two accounts.
func (s *Session) Switch(ctx context.Context, acc domain.Account) error {
	s.gen.Bump()
	ticket := s.gen.Capture()

	next := &state{account: acc}
	listings, err := lru.New[string, []domain.Message](s.opts.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create listing cache: %w", err)
	}
	next.listings = listings
	if acc.ID != "" {
		next.folders, err = s.loadFolders(ctx, acc.ID)
		if err != nil {
			return err
		}
		next.settings, err = s.loadSettings(ctx, acc.ID)
		if err != nil {
			return err
		}
		start := next.settings[SettingStartFolder]
		if start == "" {
			start = "INBOX"
		}
		msgs, err := s.loadListing(ctx, acc.ID, start)
		if err != nil {
			return err
		}
		next.listings.Add(start, msgs)
		next.view = newView(acc.ID, start, msgs, ticket.Value())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.Stale() {
		return nil
	}
	s.cur = next
	return nil
}

// Setting returns a preference of the current account.
func (s *Session) Setting(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cur.settings[name]
	return v, ok
}

func (s *Session) Settings() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cur.settings)
}

// SetSetting stores a preference of the current account. An empty value
// removes it.
func (s *Session) SetSetting(ctx context.Context, name, value string) error {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	if cur.account.ID == "" {
		return store.ErrNoAccount
	}
	var err error
	if value == "" {
		err = s.store.Delete(ctx, store.TableSettings, cur.account.ID, name)
	} else {
		err = s.store.Put(ctx, store.TableSettings, cur.account.ID, name, domain.Setting{
			AccountID: cur.account.ID,
			Name:      name,
			Value:     value,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != cur {
		return nil
	}
	next := maps.Clone(cur.settings)
	if next == nil {
		next = make(map[string]string)
	}
	if value == "" {
		delete(next, name)
	} else {
		next[name] = value
	}
	cur.settings = next
	return nil
}

// OpenFolder navigates to folder and shows the cached listing. The ticket
// is for the background refresh that usually follows.
func (s *Session) OpenFolder(ctx context.Context, folder string) (View, reconcile.Ticket, error) {
	s.gen.Bump()
	ticket := s.gen.Capture()
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	if cur.account.ID == "" {
		return View{}, ticket, store.ErrNoAccount
	}

	msgs, ok := cur.listings.Get(folder)
	if !ok {
		var err error
		msgs, err = s.loadListing(ctx, cur.account.ID, folder)
		if err != nil {
			return View{}, ticket, err
		}
		cur.listings.Add(folder, msgs)
	}
	v := newView(cur.account.ID, folder, msgs, ticket.Value())
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.Stale() || s.cur != cur {
		return v, ticket, nil
	}
	s.cur.view = v
	return v, ticket, nil
}

// Refresh re-reads the folder of the ticket from the store. The view is
// replaced only when nothing navigated since the ticket was taken; it
// reports whether that happened.
func (s *Session) Refresh(ctx context.Context, ticket reconcile.Ticket) (View, bool, error) {
	s.mu.RLock()
	cur := s.cur
	folder := cur.view.Folder
	s.mu.RUnlock()
	if cur.account.ID == "" || folder == "" {
		return View{}, false, nil
	}
	msgs, err := s.loadListing(ctx, cur.account.ID, folder)
	if err != nil {
		return View{}, false, err
	}
	cur.listings.Add(folder, msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.Stale() || s.cur != cur {
		return s.cur.view, false, nil
	}
	s.cur.view = newView(cur.account.ID, folder, msgs, ticket.Value())
	return s.cur.view, true, nil
}

// Invalidate drops cached listings after local writes. No folders means
// every folder.
func (s *Session) Invalidate(folders ...string) {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	if cur.listings == nil {
		return
	}
	if len(folders) == 0 {
		cur.listings.Purge()
		return
	}
	for _, f := range folders {
		cur.listings.Remove(f)
	}
}

// Patch applies fn to the visible copy of message id, so an optimistic
// change shows without waiting for a store read.
func (s *Session) Patch(id string, fn func(*domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.cur.view.Messages
	for i := range msgs {
		if msgs[i].ID == id {
			updated := append([]domain.Message(nil), msgs...)
			fn(&updated[i])
			s.cur.view = newView(s.cur.view.Account, s.cur.view.Folder, updated, s.cur.view.Generation)
			return
		}
	}
}

// Drop hides message id from the visible view after it moved away.
func (s *Session) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.cur.view
	kept := make([]domain.Message, 0, len(v.Messages))
	for _, m := range v.Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.cur.view = newView(v.Account, v.Folder, kept, v.Generation)
}

func (s *Session) loadFolders(ctx context.Context, account string) ([]domain.Folder, error) {
	folders, err := store.QueryAs[domain.Folder](ctx, s.store, store.TableFolders, store.Query{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to load folders: %w", err)
	}
	return folders, nil
}

func (s *Session) loadSettings(ctx context.Context, account string) (map[string]string, error) {
	rows, err := store.QueryAs[domain.Setting](ctx, s.store, store.TableSettings, store.Query{Account: account})
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

func (s *Session) loadListing(ctx context.Context, account, folder string) ([]domain.Message, error) {
	msgs, err := store.QueryAs[domain.Message](ctx, s.store, store.TableMessages, store.Query{
		Account: account,
		Index:   "folder",
		Equals:  folder,
		OrderBy: "timestamp",
		Reverse: true,
		Limit:   s.opts.PageLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", folder, err)
	}
	return msgs, nil
}

func newView(account, folder string, msgs []domain.Message, gen uint64) View {
	v := View{Account: account, Folder: folder, Messages: msgs, Generation: gen}
	for _, m := range msgs {
		if m.IsUnread {
			v.Unread++
		}
	}
	return v
}
