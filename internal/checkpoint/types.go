// Package checkpoint snapshots session state to SQLite and restores it.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhijianma/copaw/internal/memory"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerManual    Trigger = "manual"    // Explicit request
	TriggerPeriodic  Trigger = "periodic"  // Every N messages
	TriggerScheduled Trigger = "scheduled" // Cron schedule
	TriggerShutdown  Trigger = "shutdown"  // Graceful shutdown
)

// Checkpoint is a point-in-time snapshot of every session.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Note      string    `json:"note,omitempty"`

	// State is nil in listings; Get and Latest load it.
	State *State `json:"state,omitempty"`

	ByteSize     int64 `json:"byte_size"` // compressed
	SessionCount int   `json:"session_count"`
	MessageCount int   `json:"message_count"`
}

// State holds the restorable data: one state dict per session id, in the
// shape produced by memory.Store.StateDict.
type State struct {
	Sessions map[string]map[string]any `json:"sessions"`
}

// MessageCount returns the number of stored messages across sessions.
func (s *State) MessageCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, sd := range s.Sessions {
		if items, ok := sd[memory.StateKeyContent].([]any); ok {
			n += len(items)
		}
	}
	return n
}

// Summary returns a one-line human-readable description.
func (c *Checkpoint) Summary() string {
	return fmt.Sprintf("%s | %s | %s | %s, %s",
		c.ID.String()[:8],
		c.CreatedAt.Local().Format("2006-01-02 15:04"),
		c.Trigger,
		formatCount(c.SessionCount, "session"),
		formatCount(c.MessageCount, "msg"),
	)
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// StartupStatus summarizes what a restore would bring back.
type StartupStatus struct {
	Sessions       int
	Messages       int
	LastCheckpoint *time.Time
}
