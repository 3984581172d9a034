package tokens

import (
	"context"
	"log/slog"
)

// CharsPerToken is the divisor of the length heuristic.
const CharsPerToken = 4

// Heuristic approximates the token count of text as its length divided by
// CharsPerToken.
func Heuristic(text string) int {
	return len(text) / CharsPerToken
}

// Estimate is the result of a token estimation.
type Estimate struct {
	Tokens int
	// Heuristic is true when the tokenizer failed and Tokens came from
	// the length heuristic.
	Heuristic bool
}

// Estimator measures formatted messages. It never fails: any counting error
// is logged and replaced by the length heuristic.
type Estimator struct {
	counter *Counter
	logger  *slog.Logger
}

// NewEstimator creates an estimator. A nil counter always uses the
// heuristic.
func NewEstimator(counter *Counter, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{counter: counter, logger: logger}
}

// Estimate returns the approximate token count of formatted.
func (e *Estimator) Estimate(ctx context.Context, formatted []map[string]any) Estimate {
	text := ExtractText(formatted)
	if e.counter == nil {
		return Estimate{Tokens: Heuristic(text), Heuristic: true}
	}

	n, err := e.counter.CountText(ctx, text)
	if err != nil {
		est := Heuristic(text)
		e.logger.Warn("token counting failed, using length heuristic",
			"error", err,
			"chars", len(text),
			"estimate", est,
		)
		return Estimate{Tokens: est, Heuristic: true}
	}
	return Estimate{Tokens: n}
}
