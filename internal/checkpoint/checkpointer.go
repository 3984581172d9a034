package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Config for the checkpointer.
type Config struct {
	EveryMessages int    // Checkpoint every N messages (0 = disabled)
	Schedule      string // Standard cron expression ("" = disabled)
	Keep          int    // Retain this many checkpoints after each create (0 = all)
}

// Checkpointer manages automatic and manual checkpointing.
type Checkpointer struct {
	store    *Store
	sessions SessionProvider
	cfg      Config
	log      *slog.Logger

	// ctx bounds background snapshots; cancel stops them at Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron

	mu            sync.Mutex
	messagesSince int
}

// NewCheckpointer creates a checkpointer over db, migrating the schema if
// needed. The cron schedule is validated here but only runs after Start.
func NewCheckpointer(ctx context.Context, db *sql.DB, sessions SessionProvider, cfg Config, log *slog.Logger) (*Checkpointer, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}

	c := &Checkpointer{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		log:      log.With("component", "checkpoint"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if cfg.Schedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(cfg.Schedule, c.scheduled); err != nil {
			c.cancel()
			return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
		}
	}
	return c, nil
}

// Start begins scheduled checkpointing, if configured.
func (c *Checkpointer) Start() {
	if c.cron != nil {
		c.cron.Start()
		c.log.Info("scheduled checkpoints enabled", "schedule", c.cfg.Schedule)
	}
}

func (c *Checkpointer) scheduled() {
	if _, err := c.Create(c.ctx, TriggerScheduled, ""); err != nil {
		c.log.Error("scheduled checkpoint failed", "error", err)
	}
}

// OnMessages records n new messages and starts a periodic checkpoint in the
// background once the configured count is reached.
func (c *Checkpointer) OnMessages(n int) {
	if c.cfg.EveryMessages <= 0 || n <= 0 {
		return
	}

	c.mu.Lock()
	c.messagesSince += n
	due := c.messagesSince >= c.cfg.EveryMessages
	if due {
		c.messagesSince = 0
	}
	c.mu.Unlock()

	if !due {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Create(c.ctx, TriggerPeriodic, ""); err != nil {
			c.log.Error("periodic checkpoint failed", "error", err)
		}
	}()
}

// Create makes a new checkpoint with the given trigger and optional note,
// then prunes down to the configured retention.
func (c *Checkpointer) Create(ctx context.Context, trigger Trigger, note string) (*Checkpoint, error) {
	states, err := c.sessions.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("collect state: %w", err)
	}

	cp, err := c.store.Create(ctx, trigger, note, &State{Sessions: states})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	c.log.Info("checkpoint created",
		"id", cp.ID.String()[:8],
		"trigger", trigger,
		"sessions", cp.SessionCount,
		"messages", cp.MessageCount,
		"bytes", cp.ByteSize,
	)

	if c.cfg.Keep > 0 {
		if n, err := c.store.Prune(ctx, c.cfg.Keep); err != nil {
			c.log.Warn("checkpoint prune failed", "error", err)
		} else if n > 0 {
			c.log.Debug("checkpoints pruned", "deleted", n)
		}
	}
	return cp, nil
}

// CreateShutdown creates a checkpoint during graceful shutdown.
func (c *Checkpointer) CreateShutdown(ctx context.Context) (*Checkpoint, error) {
	return c.Create(ctx, TriggerShutdown, "graceful shutdown")
}

// Get retrieves a checkpoint by ID.
func (c *Checkpointer) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	return c.store.Get(ctx, id)
}

// List returns recent checkpoints.
func (c *Checkpointer) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	return c.store.List(ctx, limit)
}

// Latest returns the most recent checkpoint, or nil if none exist.
func (c *Checkpointer) Latest(ctx context.Context) (*Checkpoint, error) {
	return c.store.Latest(ctx)
}

// Delete removes a checkpoint.
func (c *Checkpointer) Delete(ctx context.Context, id uuid.UUID) error {
	return c.store.Delete(ctx, id)
}

// Prune keeps only the newest keep checkpoints.
func (c *Checkpointer) Prune(ctx context.Context, keep int) (int, error) {
	return c.store.Prune(ctx, keep)
}

// Restore hands a checkpoint's session states back to the provider.
func (c *Checkpointer) Restore(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	cp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, c.restore(cp)
}

// RestoreLatest restores the most recent checkpoint. It returns nil, nil
// when there is nothing to restore.
func (c *Checkpointer) RestoreLatest(ctx context.Context) (*Checkpoint, error) {
	cp, err := c.store.Latest(ctx)
	if err != nil || cp == nil {
		return nil, err
	}
	return cp, c.restore(cp)
}

func (c *Checkpointer) restore(cp *Checkpoint) error {
	c.log.Info("restoring checkpoint",
		"id", cp.ID.String()[:8],
		"created", cp.CreatedAt.Format(time.RFC3339),
		"sessions", cp.SessionCount,
		"messages", cp.MessageCount,
	)
	if cp.State == nil {
		return errors.New("checkpoint has no state")
	}
	if err := c.sessions.Restore(cp.State.Sessions); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	return nil
}

// GetStartupStatus reports the live session counts and when the last
// checkpoint was taken.
func (c *Checkpointer) GetStartupStatus(ctx context.Context) (*StartupStatus, error) {
	states, err := c.sessions.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("collect state: %w", err)
	}
	state := &State{Sessions: states}
	status := &StartupStatus{
		Sessions: len(states),
		Messages: state.MessageCount(),
	}

	list, err := c.store.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		t := list[0].CreatedAt
		status.LastCheckpoint = &t
	}
	return status, nil
}

// Close stops the schedule and waits for in-flight background checkpoints,
// or until ctx is done.
func (c *Checkpointer) Close(ctx context.Context) {
	var cronDone <-chan struct{}
	if c.cron != nil {
		cronDone = c.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		if cronDone != nil {
			<-cronDone
		}
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("stopped waiting for checkpoints", "error", ctx.Err())
	}
	c.cancel()
}
