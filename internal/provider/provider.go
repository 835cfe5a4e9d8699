// Package provider defines the remote mailbox collaborator and its HTTP
// implementation.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// ErrOffline is returned when the remote API cannot be reached at all.
var ErrOffline = errors.New("remote unreachable")

// ListOptions selects one page of a folder listing.
type ListOptions struct {
	Folder   string
	Cursor   string
	PageSize int
}

// Page is one listing page. Records are raw server payloads; shapes vary
// between backends and are normalized by the caller.
type Page struct {
	Records    []json.RawMessage `json:"messages"`
	NextCursor string            `json:"nextCursor,omitempty"`
	Total      int               `json:"total"`
}

// Mailbox is the remote API of one account.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]json.RawMessage, error)
	ListMessages(ctx context.Context, opts ListOptions) (Page, error)
	GetBodies(ctx context.Context, folder string, ids []string) ([]json.RawMessage, error)
	// Mutate applies a queued local change. A nil error acknowledges it.
	Mutate(ctx context.Context, entry domain.MutationEntry) error
	Send(ctx context.Context, msg domain.OutgoingMessage) error
	Ping(ctx context.Context) error
}

// Factory opens the mailbox of account.
type Factory func(ctx context.Context, account domain.Account) (Mailbox, error)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is worth another attempt later.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrOffline) {
		return true
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Temporary()
	}
	return false
}

// IsNotFound reports whether the remote answered 404.
func IsNotFound(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound
}
