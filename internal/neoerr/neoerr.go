// Package neoerr defines the stable error taxonomy surfaced by every API
// boundary. Each failure maps to exactly one tag; callers branch on tags via
// errors.Is against the exported sentinels, never on message text.
package neoerr

import (
	"context"
	"errors"
	"fmt"
)

// Tag is a stable machine-readable error category.
type Tag string

const (
	TagInvalidInput     Tag = "invalid_input"
	TagSchemaViolation  Tag = "schema_violation"
	TagNotFound         Tag = "not_found"
	TagConflict         Tag = "conflict"
	TagQuotaExceeded    Tag = "quota_exceeded"
	TagUnavailable      Tag = "unavailable"
	TagDeadlineExceeded Tag = "deadline_exceeded"
	TagInternal         Tag = "internal"
)

// Error is a tagged error. Msg carries operation context; Err, when set, is
// the wrapped cause.
type Error struct {
	Tag Tag
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Tag, e.Err)
	}
	return string(e.Tag)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinel targets by tag, so
// errors.Is(err, neoerr.ErrNotFound) works on any wrapped tagged error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Tag == e.Tag && t.Msg == "" && t.Err == nil
}

// Sentinels, one per tag. Compare with errors.Is.
var (
	ErrInvalidInput     = &Error{Tag: TagInvalidInput}
	ErrSchemaViolation  = &Error{Tag: TagSchemaViolation}
	ErrNotFound         = &Error{Tag: TagNotFound}
	ErrConflict         = &Error{Tag: TagConflict}
	ErrQuotaExceeded    = &Error{Tag: TagQuotaExceeded}
	ErrUnavailable      = &Error{Tag: TagUnavailable}
	ErrDeadlineExceeded = &Error{Tag: TagDeadlineExceeded}
	ErrInternal         = &Error{Tag: TagInternal}
)

// New builds a tagged error with a formatted message.
func New(tag Tag, format string, args ...any) error {
	return &Error{Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with operation context. Returns nil when err
// is nil. If err is already tagged the original tag is preserved and only
// context is added, so the first classification wins.
func Wrap(tag Tag, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var te *Error
	if errors.As(err, &te) {
		return &Error{Tag: te.Tag, Msg: msg, Err: err}
	}
	return &Error{Tag: tag, Msg: msg, Err: err}
}

// Invalid builds an invalid_input error.
func Invalid(format string, args ...any) error { return New(TagInvalidInput, format, args...) }

// Schema builds a schema_violation error.
func Schema(format string, args ...any) error { return New(TagSchemaViolation, format, args...) }

// NotFound builds a not_found error.
func NotFound(format string, args ...any) error { return New(TagNotFound, format, args...) }

// Conflict builds a conflict error.
func Conflict(format string, args ...any) error { return New(TagConflict, format, args...) }

// Quota builds a quota_exceeded error.
func Quota(format string, args ...any) error { return New(TagQuotaExceeded, format, args...) }

// Unavailable builds an unavailable error.
func Unavailable(format string, args ...any) error { return New(TagUnavailable, format, args...) }

// Deadline builds a deadline_exceeded error.
func Deadline(format string, args ...any) error { return New(TagDeadlineExceeded, format, args...) }

// Internal builds an internal error.
func Internal(format string, args ...any) error { return New(TagInternal, format, args...) }

// TagOf extracts the tag from any error. Context timeouts classify as
// deadline_exceeded; everything untagged is internal. Nil returns "".
func TagOf(err error) Tag {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Tag
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TagDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return TagDeadlineExceeded
	}
	return TagInternal
}

// Retryable reports whether an error's tag indicates a retry may succeed
// without the caller changing the request.
func Retryable(err error) bool {
	switch TagOf(err) {
	case TagUnavailable, TagDeadlineExceeded:
		return true
	}
	return false
}
