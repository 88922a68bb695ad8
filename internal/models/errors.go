package models

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. The polite fetcher maps transport and status detail into
// exactly one of these; adapters wrap them with context; the orchestrator
// alone translates a kind into a job-store transition.
var (
	// ErrNotFound: resource does not exist. Terminal success for the job
	// at that stage.
	ErrNotFound = errors.New("not found")
	// ErrBlocked: upstream refused traffic. Triggers a long cool-down.
	ErrBlocked = errors.New("blocked")
	// ErrRateLimited: explicit 429. Sleep and re-queue without an attempt
	// bump.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient: network failure, 5xx, timeout. Retried up to
	// max_retries.
	ErrTransient = errors.New("transient error")
	// ErrParse: malformed document. Recorded as a warning; not a pipeline
	// failure.
	ErrParse = errors.New("parse error")
	// ErrFatal: unrecoverable misconfiguration. Stops the orchestrator.
	ErrFatal = errors.New("fatal error")
)

// ErrorKind names one of the error kinds for persistence in the job row
// and request log.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindNotFound    ErrorKind = "not_found"
	KindBlocked     ErrorKind = "blocked"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindParse       ErrorKind = "parse"
	KindFatal       ErrorKind = "fatal"
	KindCancelled   ErrorKind = "cancelled"
)

// ClassifyError reduces an error chain to its kind. Context cancellation is
// reported as KindCancelled regardless of wrapping.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindTransient
	}
}

// WrapKind attaches a kind sentinel to an error message.
func WrapKind(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
