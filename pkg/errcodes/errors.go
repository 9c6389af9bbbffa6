package errcodes

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a sync error. The classification decides whether a
// failure is scoped to one book, retryable, or fatal for the whole run.
type Kind string

const (
	// KindUnsupported means the book has no local file in a supported
	// format. Per-book, detected before any network call.
	KindUnsupported Kind = "unsupported"
	// KindTooLarge means the local file exceeds the account's filesize
	// quota. Per-book, detected pre-flight.
	KindTooLarge Kind = "too_large"
	// KindValidation means the service rejected the payload with a
	// user-facing message (HTTP 422). Per-book, never retried.
	KindValidation Kind = "validation"
	// KindAuthentication means the API key was rejected. Fatal for the
	// whole run.
	KindAuthentication Kind = "authentication"
	// KindTransient covers connection refused/closed, unknown host, and
	// timeouts. Retryable up to the task's budget.
	KindTransient Kind = "transient"
	// KindUnexpected is any other failure. Fatal for the whole run.
	KindUnexpected Kind = "unexpected"
	// KindCanceled means the run was canceled. Suppresses further events.
	KindCanceled Kind = "canceled"
)

type Error struct {
	Kind    Kind
	Message string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.Kind = err.Kind
	te.Message = err.Message
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == err.Kind && te.Message == err.Message
}

// Unsupported returns a per-book error for books without an eligible
// local file.
func Unsupported() error {
	return &Error{KindUnsupported, "unsupported format"}
}

// TooLarge returns a per-book error for files over the filesize quota.
func TooLarge() error {
	return &Error{KindTooLarge, "file exceeds the filesize limit"}
}

// ValidationError wraps the user-facing message returned by the service
// with a 422 response.
func ValidationError(msg string) error {
	return &Error{KindValidation, msg}
}

// AuthenticationError indicates a rejected API key.
func AuthenticationError() error {
	return &Error{KindAuthentication, "Invalid API key."}
}

// TransientNetwork marks a transport failure as retryable.
func TransientNetwork(err error) error {
	return &Error{KindTransient, fmt.Sprintf("network error: %v", err)}
}

// Unexpected carries a generic message for failures outside the taxonomy.
func Unexpected(err error) error {
	return &Error{KindUnexpected, fmt.Sprintf("Error: %v.", err)}
}

// Canceled indicates a user-initiated stop.
func Canceled() error {
	return &Error{KindCanceled, "canceled"}
}

// KindOf extracts the classification from an error chain. Context
// cancellations are classified here so call sites can rely on a single
// contract.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnexpected
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsFatal reports whether the error aborts the whole run on its own.
// Transient errors become fatal only once the retry budget is
// exhausted, which the task decides before calling this.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindUnexpected:
		return true
	}
	return false
}

// IsCanceled reports whether the error came from a cancellation.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}
