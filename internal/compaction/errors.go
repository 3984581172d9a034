package compaction

import (
	"errors"
	"fmt"
)

// Sentinel errors for compaction operations.
var (
	// ErrSummarizationFailed indicates the summarizer returned an error.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrEmptySummary indicates the summarizer returned no text. Messages
	// are never marked compressed against an empty summary.
	ErrEmptySummary = errors.New("summarizer returned an empty summary")

	// ErrInvalidConfig indicates invalid hook or manager configuration.
	ErrInvalidConfig = errors.New("invalid compaction configuration")
)

// Error provides structured context for a failed compaction operation.
type Error struct {
	// Op is the operation that failed ("compact_memory", "pre_reasoning").
	Op string

	// SessionID is the owning session, if known.
	SessionID string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("compaction %s failed", e.Op)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" for session %s", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}
