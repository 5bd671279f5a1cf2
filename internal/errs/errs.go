// Package errs defines the error taxonomy shared by every handoff component.
//
// Errors are plain Go errors wrapping one of the sentinel values below, so
// callers use errors.Is and the usual fmt.Errorf("...: %w") chains. KindOf
// classifies an arbitrary error and ToResult turns it into the tagged value
// that crosses the embedding-runtime boundary.
package errs

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind is the tag carried by a Result.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidArgument       Kind = "invalid_argument"
	KindNotFound              Kind = "not_found"
	KindFetchFailed           Kind = "fetch_failed"
	KindCancelled             Kind = "cancelled"
	KindAccessDenied          Kind = "access_denied"
	KindUnsupportedOnPlatform Kind = "unsupported_on_platform"
	KindAlreadyInProgress     Kind = "already_in_progress"
	KindFailed                Kind = "failed"
	KindInternal              Kind = "internal"
)

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotFound              = errors.New("not found")
	ErrFetchFailed           = errors.New("fetch failed")
	ErrCancelled             = errors.New("cancelled")
	ErrAccessDenied          = errors.New("access denied")
	ErrUnsupportedOnPlatform = errors.New("unsupported on platform")
	ErrAlreadyInProgress     = errors.New("drag already in progress")
	ErrFailed                = errors.New("session failed")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrNotFound, KindNotFound},
	{ErrFetchFailed, KindFetchFailed},
	{ErrCancelled, KindCancelled},
	{ErrAccessDenied, KindAccessDenied},
	{ErrUnsupportedOnPlatform, KindUnsupportedOnPlatform},
	{ErrAlreadyInProgress, KindAlreadyInProgress},
	{ErrFailed, KindFailed},
}

// KindOf classifies err. Context cancellation and deadline errors are
// reported as KindCancelled unless they are already wrapped in a more
// specific sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// InvalidArgument returns an error wrapping ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// FetchFailed wraps cause so that both ErrFetchFailed and cause match errors.Is.
func FetchFailed(cause error) error {
	return fmt.Errorf("%w: %w", ErrFetchFailed, cause)
}

// Cancelled wraps cause (usually ctx.Err()) with ErrCancelled.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Unsupported returns an error wrapping ErrUnsupportedOnPlatform.
func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedOnPlatform, fmt.Sprintf(format, args...))
}

// Failed wraps a native driver failure with ErrFailed.
func Failed(cause error) error {
	if cause == nil {
		return ErrFailed
	}
	return fmt.Errorf("%w: %w", ErrFailed, cause)
}

// FromContext converts a finished context into a Cancelled error.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// Result is the tagged error value handed to the embedding runtime. Raw
// driver errors never cross that boundary.
type Result struct {
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the result carries no error.
func (r Result) OK() bool { return r.Kind == KindNone }

// ToResult converts err into a Result.
func ToResult(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{Kind: KindOf(err), Message: err.Error()}
}

// Err turns r back into an error of the same kind, so a Result that crossed
// a boundary can be classified again with KindOf and errors.Is.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	for _, k := range kinds {
		if k.kind == r.Kind {
			return &resultError{msg: r.Message, kind: k.err}
		}
	}
	return errors.New(r.Message)
}

type resultError struct {
	msg  string
	kind error
}

func (e *resultError) Error() string { return e.msg }
func (e *resultError) Unwrap() error { return e.kind }

// Silent reports whether a failure of this kind should be hidden from the
// user. Cancellation is a cooperative abort, not an error.
func (k Kind) Silent() bool { return k == KindCancelled }

// Retryable reports whether the caller may retry the operation.
func (k Kind) Retryable() bool { return k == KindFetchFailed }

// GRPCCode maps a Kind to the status code used by the RPC bridge.
func GRPCCode(k Kind) codes.Code {
	switch k {
	case KindNone:
		return codes.OK
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindFetchFailed:
		return codes.Unavailable
	case KindCancelled:
		return codes.Canceled
	case KindAccessDenied:
		return codes.PermissionDenied
	case KindUnsupportedOnPlatform:
		return codes.Unimplemented
	case KindAlreadyInProgress:
		return codes.FailedPrecondition
	case KindFailed:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// FromGRPCCode is the inverse of GRPCCode, used by RPC clients.
func FromGRPCCode(c codes.Code) error {
	switch c {
	case codes.OK:
		return nil
	case codes.InvalidArgument:
		return ErrInvalidArgument
	case codes.NotFound:
		return ErrNotFound
	case codes.Unavailable:
		return ErrFetchFailed
	case codes.Canceled, codes.DeadlineExceeded:
		return ErrCancelled
	case codes.PermissionDenied:
		return ErrAccessDenied
	case codes.Unimplemented:
		return ErrUnsupportedOnPlatform
	case codes.FailedPrecondition:
		return ErrAlreadyInProgress
	case codes.Aborted:
		return ErrFailed
	default:
		return nil
	}
}
