package sqlite

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/lu-zhengda/mailcore/internal/store"
)

// classify maps driver and context errors onto named store errors.
func classify(err error) *store.Error {
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &store.Error{Name: store.NameTimeout, Message: err.Error()}
	}

	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return &store.Error{Name: store.NameUnknown, Message: err.Error()}
	}
	out := &store.Error{Code: int(sqErr.ExtendedCode), Message: err.Error()}
	switch sqErr.Code {
	case sqlite3.ErrFull:
		out.Name = store.NameQuotaExceeded
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		out.Name = store.NameBlocked
	case sqlite3.ErrAbort, sqlite3.ErrInterrupt:
		out.Name = store.NameAbort
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		out.Name = store.NameCorrupt
	case sqlite3.ErrConstraint:
		out.Name = store.NameConstraint
	case sqlite3.ErrReadonly:
		out.Name = store.NameReadOnly
	case sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
		out.Name = store.NameData
	default:
		out.Name = store.NameUnknown
	}
	return out
}
