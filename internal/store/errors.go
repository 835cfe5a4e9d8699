package store

import (
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailcore/internal/bus"
)

// Error names carried in error responses.
const (
	NameQuotaExceeded = "QuotaExceededError"
	NameVersion       = "VersionError"
	NameAbort         = "AbortError"
	NameBlocked       = "BlockedError"
	NameCorrupt       = "CorruptError"
	NameData          = "DataError"
	NameConstraint    = "ConstraintError"
	NameReadOnly      = "ReadOnlyError"
	NameTimeout       = "TimeoutError"
	NameUnknown       = "UnknownError"
)

var (
	ErrNoAccount   = errors.New("request has no account")
	ErrUnknownKind = errors.New("unknown table or action")
)

// Error is a classified store failure.
type Error struct {
	Name    string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) ErrorName() string { return e.Name }
func (e *Error) ErrorCode() int { return e.Code }
func (e *Error) ErrorMessage() string { return e.Message }

// Recoverable errors are handled by destroying and recreating the store.
func (e *Error) Recoverable() bool {
	switch e.Name {
	case NameQuotaExceeded, NameVersion, NameAbort, NameBlocked, NameCorrupt:
		return true
	}
	return false
}

// IsRecoverable reports whether err is a recoverable store error.
func IsRecoverable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Recoverable()
}

// DataError wraps a malformed request.
func DataError(format string, args ...any) *Error {
	return &Error{Name: NameData, Message: fmt.Sprintf(format, args...)}
}

func fromBus(err error) error {
	var be *bus.Error
	if errors.As(err, &be) {
		return &Error{Name: be.Name, Code: be.Code, Message: be.Message}
	}
	return err
}
