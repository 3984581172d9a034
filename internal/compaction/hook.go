package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhijianma/copaw/internal/memory"
	"github.com/zhijianma/copaw/internal/tokens"
	"github.com/zhijianma/copaw/internal/toolpair"
)

// Default hook settings.
const (
	DefaultKeepRecent   = 10
	DefaultCompactRatio = 0.8
)

// HookConfig controls when the pre-reasoning hook compacts.
type HookConfig struct {
	// KeepRecent is the number of trailing messages never compacted.
	KeepRecent int

	// MaxInputLength is the model's maximum input length in tokens.
	MaxInputLength int

	// CompactRatio is the share of MaxInputLength the compactable segment
	// may reach before compaction. Used when CompactThreshold is zero.
	CompactRatio float64

	// CompactThreshold overrides the derived threshold when positive.
	CompactThreshold int
}

// ApplyDefaults fills zero values.
func (c *HookConfig) ApplyDefaults() {
	if c.KeepRecent <= 0 {
		c.KeepRecent = DefaultKeepRecent
	}
	if c.CompactRatio <= 0 {
		c.CompactRatio = DefaultCompactRatio
	}
}

// Validate checks the configuration after defaults are applied.
func (c *HookConfig) Validate() error {
	if c.CompactThreshold <= 0 && c.MaxInputLength <= 0 {
		return fmt.Errorf("%w: max input length or compact threshold must be set", ErrInvalidConfig)
	}
	if c.CompactRatio > 1 {
		return fmt.Errorf("%w: compact ratio %.2f above 1", ErrInvalidConfig, c.CompactRatio)
	}
	return nil
}

// Threshold returns the token count the compactable segment must exceed
// for compaction to run.
func (c HookConfig) Threshold() int {
	if c.CompactThreshold > 0 {
		return c.CompactThreshold
	}
	return int(float64(c.MaxInputLength) * c.CompactRatio)
}

// Reason explains a hook decision.
type Reason string

const (
	ReasonDisabled         Reason = "disabled"
	ReasonWithinKeepWindow Reason = "within_keep_window"
	ReasonBelowThreshold   Reason = "below_threshold"
	ReasonCompacted        Reason = "compacted"
	ReasonFailed           Reason = "failed"
)

// Decision reports what one PreReasoning call did.
type Decision struct {
	Reason Reason

	// SystemPrefix, Compactable and Kept partition the active messages.
	SystemPrefix int
	Compactable  int
	Kept         int

	Tokens    int
	Heuristic bool
	Threshold int

	// Err is set when Reason is ReasonFailed.
	Err error
}

// Compacted reports whether messages were compacted.
func (d Decision) Compacted() bool {
	return d.Reason == ReasonCompacted
}

// Hook is the pre-reasoning compaction trigger for one session.
type Hook struct {
	store     *memory.Store
	manager   *Manager
	formatter tokens.Formatter
	estimator *tokens.Estimator
	config    HookConfig
	logger    *slog.Logger
}

// NewHook creates a hook. A nil manager disables compaction; a nil
// formatter uses tokens.ChatFormatter.
func NewHook(store *memory.Store, manager *Manager, formatter tokens.Formatter, estimator *tokens.Estimator, config HookConfig, logger *slog.Logger) *Hook {
	config.ApplyDefaults()
	if formatter == nil {
		formatter = tokens.ChatFormatter{}
	}
	if estimator == nil {
		estimator = tokens.NewEstimator(nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		store:     store,
		manager:   manager,
		formatter: formatter,
		estimator: estimator,
		config:    config,
		logger:    logger.With("component", "compaction_hook"),
	}
}

// PreReasoning runs before each reasoning step. When the compactable
// segment of the active history exceeds the threshold it is summarized into
// the compressed summary and its messages are marked compressed. Failures
// are logged and reported in the Decision, never returned, so a failed
// compaction never aborts the turn.
func (h *Hook) PreReasoning(ctx context.Context) (d Decision) {
	d.Threshold = h.config.Threshold()

	defer func() {
		if r := recover(); r != nil {
			d.Reason = ReasonFailed
			d.Err = &Error{Op: "pre_reasoning", SessionID: h.sessionID(), Err: fmt.Errorf("panic: %v", r)}
			h.logger.Error("compaction hook panicked", "panic", r)
		}
	}()

	if h.manager == nil {
		d.Reason = ReasonDisabled
		return d
	}

	view := h.store.Get(memory.ViewOptions{ExcludeMark: memory.MarkCompressed})

	prefix := 0
	for prefix < len(view) && view[prefix].Role == memory.RoleSystem {
		prefix++
	}
	remainder := view[prefix:]
	d.SystemPrefix = prefix

	if len(remainder) <= h.config.KeepRecent {
		d.Reason = ReasonWithinKeepWindow
		d.Kept = len(remainder)
		return d
	}

	keep := h.config.KeepRecent
	for keep > 0 && !toolpair.Valid(remainder[len(remainder)-keep:]) {
		keep--
	}
	if keep == 0 {
		last := remainder[len(remainder)-1]
		h.logger.Warn("no tool-pairing-valid recent window, compacting all non-system messages",
			"messages", len(remainder),
			"trailing_tool_use", last.HasToolUse(),
		)
	}

	toCompact := remainder[:len(remainder)-keep]
	d.Compactable = len(toCompact)
	d.Kept = keep

	est := h.estimate(ctx, toCompact)
	d.Tokens, d.Heuristic = est.Tokens, est.Heuristic

	// Strictly above: a segment exactly at the threshold stays.
	if est.Tokens <= d.Threshold {
		d.Reason = ReasonBelowThreshold
		h.logger.Debug("compaction not needed",
			"tokens", est.Tokens, "threshold", d.Threshold, "compactable", len(toCompact))
		return d
	}

	h.logger.Info("compacting memory",
		"tokens", est.Tokens,
		"threshold", d.Threshold,
		"heuristic", est.Heuristic,
		"compactable", len(toCompact),
		"kept", keep,
	)

	start := time.Now()
	h.manager.AddAsyncSummaryTask(toCompact)
	summary, err := h.manager.CompactMemory(ctx, toCompact, h.store.Summary())
	if err != nil {
		d.Reason, d.Err = ReasonFailed, err
		h.logger.Error("compaction failed, continuing without it", "error", err)
		return d
	}

	ids := make([]string, len(toCompact))
	for i, m := range toCompact {
		ids[i] = m.ID
	}
	if err := h.store.MarkMessages(ids, memory.MarkCompressed); err != nil {
		d.Reason = ReasonFailed
		d.Err = &Error{Op: "pre_reasoning", SessionID: h.sessionID(), Err: err}
		h.logger.Error("marking compacted messages failed", "error", err)
		return d
	}
	h.store.SetSummary(summary)

	d.Reason = ReasonCompacted
	h.logger.Info("compaction complete",
		"compacted", len(ids),
		"summary_chars", len(summary),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return d
}

// estimate measures msgs. A formatter failure falls back to the length
// heuristic over the plain text.
func (h *Hook) estimate(ctx context.Context, msgs []memory.Message) tokens.Estimate {
	formatted, err := h.formatter.Format(msgs)
	if err != nil {
		var chars int
		for _, m := range msgs {
			chars += len(m.Text()) + 1
		}
		h.logger.Warn("formatting for token estimate failed, using length heuristic", "error", err)
		return tokens.Estimate{Tokens: chars / tokens.CharsPerToken, Heuristic: true}
	}
	return h.estimator.Estimate(ctx, formatted)
}

func (h *Hook) sessionID() string {
	if h.manager == nil {
		return ""
	}
	return h.manager.config.SessionID
}
