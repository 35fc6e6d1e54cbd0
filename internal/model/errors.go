package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies a DownloadError and drives retry behaviour, per
// spec §3 and §7.
type ErrorCategory int

const (
	CategoryNone ErrorCategory = iota
	CategoryNetwork
	CategoryServerError
	CategoryClientError
	CategoryFileSystem
	CategoryChecksum
	CategoryCancelled
	CategoryTimeout
	CategorySSLError
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryNetwork:
		return "network"
	case CategoryServerError:
		return "server_error"
	case CategoryClientError:
		return "client_error"
	case CategoryFileSystem:
		return "file_system"
	case CategoryChecksum:
		return "checksum"
	case CategoryCancelled:
		return "cancelled"
	case CategoryTimeout:
		return "timeout"
	case CategorySSLError:
		return "ssl_error"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a segment/task failure of this category
// should be retried, per spec §7.
func (c ErrorCategory) Recoverable() bool {
	switch c {
	case CategoryNetwork, CategoryServerError, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Sentinel category errors, used with errors.Is to classify wrapped
// transport errors before attaching a retry_count.
var (
	ErrNetwork     = errors.New("model: network error")
	ErrServerError = errors.New("model: server error")
	ErrClientError = errors.New("model: client error")
	ErrFileSystem  = errors.New("model: file system error")
	ErrChecksum    = errors.New("model: checksum mismatch")
	ErrCancelled   = errors.New("model: cancelled")
	ErrTimeout     = errors.New("model: timeout")
	ErrSSL         = errors.New("model: TLS error")
)

// DownloadError is the structured error attached to a task or segment, per
// spec §3.
type DownloadError struct {
	Category   ErrorCategory
	Code       int // HTTP status code, or 0
	Message    string
	Details    string
	Timestamp  time.Time
	RetryCount int
	cause      error
}

// NewDownloadError builds a DownloadError wrapping cause, if any.
func NewDownloadError(category ErrorCategory, code int, message string, cause error) *DownloadError {
	return &DownloadError{
		Category:  category,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		cause:     cause,
	}
}

func (e *DownloadError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the underlying transport/filesystem error, if any, so
// callers can use errors.Is/As across package boundaries.
func (e *DownloadError) Unwrap() error {
	return e.cause
}

// CategoryFor maps a transport-level status code to an ErrorCategory, per
// spec §7: 4xx is client error except 408/429 which behave like network
// errors; 5xx is server error.
func CategoryFor(statusCode int) ErrorCategory {
	switch {
	case statusCode == 408 || statusCode == 429:
		return CategoryNetwork
	case statusCode >= 500:
		return CategoryServerError
	case statusCode >= 400:
		return CategoryClientError
	default:
		return CategoryNone
	}
}

// SchedulerFailedError reports the set of segments that exhausted retries.
type SchedulerFailedError struct {
	FailedSegments []FailedSegment
}

// FailedSegment records a segment that failed terminally.
type FailedSegment struct {
	Id    uint32
	Error *DownloadError
}

func (e *SchedulerFailedError) Error() string {
	return fmt.Sprintf("%d segment(s) failed permanently", len(e.FailedSegments))
}
