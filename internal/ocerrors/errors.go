// Package ocerrors provides the typed error taxonomy from spec §7,
// generalized from the teacher's internal/transparency/error_classifier.go
// category scheme (there: safety/config/api/kernel/shard/filesystem/
// network/timeout/unknown; here: the six memory-substrate categories).
package ocerrors

import "fmt"

// Category is the error taxonomy used for retry/propagation decisions.
type Category string

const (
	// Unavailable: service unreachable, timeouts, connection refused.
	// Retried with exponential backoff.
	Unavailable Category = "unavailable"

	// APIError: 2xx-bounded transport but a non-OK application status.
	// Never retried.
	APIError Category = "api_error"

	// ValidationError: response or input fails schema. Never retried.
	ValidationError Category = "validation_error"

	// LockContention: could not acquire a lock within its deadline.
	LockContention Category = "lock_contention"

	// Corruption: unparseable JSONL line, invalid metadata JSON.
	Corruption Category = "corruption"

	// Fatal: cannot initialize salt, cannot open DB after migration.
	Fatal Category = "fatal"
)

// Error is the typed error wrapper carrying a Category plus optional
// structured detail for the HostClient.log call site.
type Error struct {
	Category Category
	Message  string
	Code     string
	HTTPStatus int
	Details  []string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this category is retried per spec §7:
// Unavailable only.
func (e *Error) Retryable() bool { return e.Category == Unavailable }

func newErr(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Cause: cause}
}

func NewUnavailable(msg string, cause error) *Error   { return newErr(Unavailable, msg, cause) }
func NewLockContention(msg string, cause error) *Error { return newErr(LockContention, msg, cause) }
func NewCorruption(msg string, cause error) *Error    { return newErr(Corruption, msg, cause) }
func NewFatal(msg string, cause error) *Error         { return newErr(Fatal, msg, cause) }

// NewAPIError carries the worker's normalized {code, message, details?}
// envelope (spec §9 open question: the upstream error envelope varies
// across minor versions; anything that doesn't parse is normalized to
// HTTP_ERROR here).
func NewAPIError(httpStatus int, code, msg string, details []string) *Error {
	return &Error{Category: APIError, Message: msg, Code: code, HTTPStatus: httpStatus, Details: details}
}

func NewValidationError(msg string, details []string) *Error {
	return &Error{Category: ValidationError, Message: msg, Details: details}
}

// IsPermanent reports whether an HTTP status should be treated as a
// permanent (non-retried) failure per spec §4.5: any 4xx except 429.
func IsPermanent(httpStatus int) bool {
	return httpStatus >= 400 && httpStatus < 500 && httpStatus != 429
}
