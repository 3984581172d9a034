// Package compaction decides when conversation history is summarized and
// runs the summarization.
//
// The Manager owns every summarizer call for one session: the synchronous
// CompactMemory path used by the pre-reasoning Hook and by manual commands,
// and a registry of background summary tasks deduplicated by the ids of the
// messages they cover. Background tasks run on the Manager's own context, so
// cancelling a turn never cancels them.
package compaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zhijianma/copaw/internal/memory"
)

// Default manager settings.
const (
	DefaultMaxConcurrentTasks = 2
	DefaultTaskTimeout        = 5 * time.Minute
)

// ManagerConfig tunes background summarization.
type ManagerConfig struct {
	// SessionID labels logs and errors.
	SessionID string

	// MaxConcurrentTasks bounds background summaries running at once.
	MaxConcurrentTasks int

	// TaskTimeout bounds a single background summary.
	TaskTimeout time.Duration
}

// ApplyDefaults fills zero values.
func (c *ManagerConfig) ApplyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
}

type task struct {
	key     string
	ids     []string
	started time.Time
	done    chan struct{}

	// Written by the task goroutine before done is closed.
	summary string
	err     error
}

type outcome struct {
	key      string
	messages int
	err      error
	elapsed  time.Duration
}

// Manager is the Summary Manager of one session.
type Manager struct {
	summarizer Summarizer
	config     ManagerConfig
	logger     *slog.Logger
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*task
	finished []outcome // completed since the last AwaitSummaryTasks
	latest   string
	closed   bool
}

// NewManager creates a manager. Call Close to stop background work.
func NewManager(summarizer Summarizer, config ManagerConfig, logger *slog.Logger) *Manager {
	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "summary_manager")
	if config.SessionID != "" {
		logger = logger.With("session", config.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		summarizer: summarizer,
		config:     config,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrentTasks)),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*task),
	}
}

// TaskKey derives the registry key for a message list from its ordered ids.
func TaskKey(msgs []memory.Message) string {
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AddAsyncSummaryTask starts a background summary of msgs unless a task for
// the same ids is already pending. It reports whether a new task started.
// Task results never touch the message store; they only update
// LatestSummary and the report of AwaitSummaryTasks.
func (m *Manager) AddAsyncSummaryTask(msgs []memory.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	key := TaskKey(msgs)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug("manager closed, background summary skipped")
		return false
	}
	if _, ok := m.tasks[key]; ok {
		m.mu.Unlock()
		m.logger.Debug("background summary already pending", "key", key[:12])
		return false
	}
	t := &task{
		key:     key,
		ids:     messageIDs(msgs),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.tasks[key] = t
	m.wg.Add(1)
	m.mu.Unlock()

	batch := make([]memory.Message, len(msgs))
	for i, msg := range msgs {
		batch[i] = msg.Clone()
	}

	m.logger.Debug("background summary started", "key", key[:12], "messages", len(batch))
	go m.run(t, batch)
	return true
}

func (m *Manager) run(t *task, msgs []memory.Message) {
	defer m.wg.Done()
	defer m.finish(t)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("background summary panicked: %v", r)
		}
	}()

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		t.err = err
		return
	}
	defer m.sem.Release(1)

	ctx, cancel := context.WithTimeout(m.ctx, m.config.TaskTimeout)
	defer cancel()

	summary, err := m.summarizer.Summarize(ctx, "", msgs)
	switch {
	case err != nil:
		t.err = fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	case strings.TrimSpace(summary) == "":
		t.err = ErrEmptySummary
	default:
		t.summary = summary
	}
}

func (m *Manager) finish(t *task) {
	elapsed := time.Since(t.started)

	m.mu.Lock()
	delete(m.tasks, t.key)
	m.finished = append(m.finished, outcome{
		key:      t.key,
		messages: len(t.ids),
		err:      t.err,
		elapsed:  elapsed,
	})
	if t.err == nil {
		m.latest = t.summary
	}
	m.mu.Unlock()

	close(t.done)

	if t.err != nil {
		m.logger.Warn("background summary failed",
			"key", t.key[:12], "messages", len(t.ids), "error", t.err, "elapsed", elapsed)
		return
	}
	m.logger.Debug("background summary completed",
		"key", t.key[:12], "messages", len(t.ids), "chars", len(t.summary), "elapsed", elapsed)
}

// CompactMemory summarizes msgs on top of previousSummary and returns the
// replacement summary. With no messages the previous summary is returned
// unchanged. When previousSummary is empty and a background task covers
// exactly msgs, its result is reused. Cancelling ctx aborts the call.
func (m *Manager) CompactMemory(ctx context.Context, msgs []memory.Message, previousSummary string) (string, error) {
	if len(msgs) == 0 {
		return previousSummary, nil
	}

	if previousSummary == "" {
		m.mu.Lock()
		t := m.tasks[TaskKey(msgs)]
		m.mu.Unlock()
		if t != nil {
			select {
			case <-t.done:
				if t.err == nil {
					m.logger.Debug("reusing background summary", "key", t.key[:12])
					return t.summary, nil
				}
			case <-ctx.Done():
				return "", m.fail("compact_memory", ctx.Err())
			}
		}
	}

	start := time.Now()
	summary, err := m.summarizer.Summarize(ctx, previousSummary, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return "", m.fail("compact_memory", ctx.Err())
		}
		return "", m.fail("compact_memory", fmt.Errorf("%w: %w", ErrSummarizationFailed, err))
	}
	if strings.TrimSpace(summary) == "" {
		return "", m.fail("compact_memory", ErrEmptySummary)
	}

	m.logger.Info("memory compacted",
		"messages", len(msgs),
		"previous_chars", len(previousSummary),
		"summary_chars", len(summary),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return summary, nil
}

func (m *Manager) fail(op string, err error) error {
	return &Error{Op: op, SessionID: m.config.SessionID, Err: err}
}

// AwaitSummaryTasks waits for every pending background task and returns a
// human-readable report covering them and any tasks that finished since the
// previous call. Task failures are reported, never returned. If ctx ends
// first the report says how many tasks are still running.
func (m *Manager) AwaitSummaryTasks(ctx context.Context) string {
	m.mu.Lock()
	pending := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		pending = append(pending, t)
	}
	m.mu.Unlock()

	interrupted := false
wait:
	for _, t := range pending {
		select {
		case <-t.done:
		case <-ctx.Done():
			interrupted = true
			break wait
		}
	}

	m.mu.Lock()
	finished := m.finished
	m.finished = nil
	running := len(m.tasks)
	m.mu.Unlock()

	return formatReport(finished, running, interrupted)
}

func formatReport(finished []outcome, running int, interrupted bool) string {
	if len(finished) == 0 && running == 0 {
		return "No background summary tasks."
	}

	var completed, failed int
	var failures []string
	for _, o := range finished {
		if o.err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("- task %s (%d messages): %v", o.key[:12], o.messages, o.err))
			continue
		}
		completed++
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Awaited %d background summary task(s): %d completed, %d failed.",
		len(finished), completed, failed))
	for _, f := range failures {
		sb.WriteString("\n")
		sb.WriteString(f)
	}
	if interrupted && running > 0 {
		sb.WriteString(fmt.Sprintf("\nStopped waiting with %d task(s) still running.", running))
	}
	return sb.String()
}

// PendingTasks returns the number of background tasks in flight.
func (m *Manager) PendingTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// LatestSummary returns the result of the most recent successful
// background task, or "".
func (m *Manager) LatestSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Close cancels background tasks and waits for their goroutines to exit.
// Call AwaitSummaryTasks first to let them finish instead.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func messageIDs(msgs []memory.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
