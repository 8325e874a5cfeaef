// Package errors provides severity-aware error types for the sync and query
// paths.
package errors

import "fmt"

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SyncError is a structured error with context about which part of the
// pricing matrix or bookkeeping produced it.
type SyncError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Combination string   `json:"combination,omitempty"`
	Recoverable bool     `json:"recoverable"`
	Err         error    `json:"-"`
}

func (e *SyncError) Error() string {
	if e.Combination != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Severity, e.Code, e.Message, e.Combination)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Error codes
const (
	ErrCodeUpstreamFetch   = "UPSTREAM_FETCH_FAILED"
	ErrCodePersistence     = "PERSISTENCE_FAILED"
	ErrCodeSyncBookkeeping = "SYNC_LOG_WRITE_FAILED"
)

// NewUpstreamError wraps a transient per-combination upstream failure. The
// matrix walk recovers from these locally.
func NewUpstreamError(combination string, err error) *SyncError {
	return &SyncError{
		Code:        ErrCodeUpstreamFetch,
		Message:     err.Error(),
		Severity:    SeverityWarning,
		Combination: combination,
		Recoverable: true,
		Err:         err,
	}
}

// NewPersistenceError wraps a store write failure. These abort the run.
func NewPersistenceError(err error) *SyncError {
	return &SyncError{
		Code:        ErrCodePersistence,
		Message:     err.Error(),
		Severity:    SeverityFatal,
		Recoverable: false,
		Err:         err,
	}
}

// NewBookkeepingError wraps a sync-log write failure, fatal to the run and
// only observable through process logs when the log itself is unwritable.
func NewBookkeepingError(err error) *SyncError {
	return &SyncError{
		Code:        ErrCodeSyncBookkeeping,
		Message:     err.Error(),
		Severity:    SeverityFatal,
		Recoverable: false,
		Err:         err,
	}
}

// IsRecoverable reports whether the matrix walk may continue past err.
func IsRecoverable(err error) bool {
	if se, ok := err.(*SyncError); ok {
		return se.Recoverable
	}
	return false
}
