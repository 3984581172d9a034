// Package memory holds conversation history for a single session: an
// insertion-ordered message list where each message carries a set of marks,
// plus the compressed summary that stands in for compacted messages.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zhijianma/copaw/internal/prompts"
)

// MarkCompressed excludes a message from the active context once its
// content has been folded into the compressed summary.
const MarkCompressed = "compressed"

var (
	// ErrMessageNotFound is returned when a mutation names an unknown id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateMessage is returned when adding an id that already exists.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrInvalidMessage is returned for messages without an id or role.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidMark is returned for empty marks or marks containing whitespace.
	ErrInvalidMark = errors.New("invalid mark")
)

type entry struct {
	msg   Message
	marks []string
}

func (e *entry) hasMark(mark string) bool {
	for _, m := range e.marks {
		if m == mark {
			return true
		}
	}
	return false
}

// Store is the message store of one session. All methods are safe for
// concurrent use; reads return copies.
type Store struct {
	mu      sync.RWMutex
	entries []*entry
	index   map[string]int // message id -> position in entries
	summary string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// ValidateMark checks that a mark is a usable label.
func ValidateMark(mark string) error {
	if mark == "" || strings.ContainsAny(mark, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidMark, mark)
	}
	return nil
}

// Add appends messages in order, each starting with the given marks. The
// whole call fails without side effects if any message is invalid.
func (s *Store) Add(msgs []Message, marks ...string) error {
	for _, mark := range marks {
		if err := ValidateMark(mark); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || !m.Role.Valid() {
			return fmt.Errorf("%w: id=%q role=%q", ErrInvalidMessage, m.ID, m.Role)
		}
		if _, ok := s.index[m.ID]; ok || seen[m.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ID)
		}
		seen[m.ID] = true
	}

	for _, m := range msgs {
		e := &entry{msg: m.Clone(), marks: dedupMarks(marks)}
		s.index[m.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

func dedupMarks(marks []string) []string {
	out := make([]string, 0, len(marks))
	for _, m := range marks {
		dup := false
		for _, o := range out {
			if o == m {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

// ViewOptions selects which messages a read returns. Empty marks mean
// "no filter".
type ViewOptions struct {
	// IncludeMark keeps only messages carrying this mark.
	IncludeMark string
	// ExcludeMark drops messages carrying this mark.
	ExcludeMark string
	// PrependSummary adds a synthetic leading message wrapping the
	// compressed summary when one exists.
	PrependSummary bool
}

// Active is the view sent to the model: compacted messages dropped and the
// compressed summary prepended.
var Active = ViewOptions{ExcludeMark: MarkCompressed, PrependSummary: true}

// Get returns the messages selected by opts, in conversation order. It has
// no side effects.
func (s *Store) Get(opts ViewOptions) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.entries)+1)
	if opts.PrependSummary && s.summary != "" {
		out = append(out, SummaryMessage(s.summary))
	}
	for _, e := range s.entries {
		if opts.IncludeMark != "" && !e.hasMark(opts.IncludeMark) {
			continue
		}
		if opts.ExcludeMark != "" && e.hasMark(opts.ExcludeMark) {
			continue
		}
		out = append(out, e.msg.Clone())
	}
	return out
}

// SummaryMessage is the synthetic user message that carries a compressed
// summary into the model context. It has no id and is never stored.
func SummaryMessage(summary string) Message {
	return Message{
		Role:    RoleUser,
		Content: Content{Text: prompts.PreviousSummary(summary)},
	}
}

// AddMark attaches mark to the message with the given id. Marks are never
// removed except by Clear.
func (s *Store) AddMark(id, mark string) error {
	return s.MarkMessages([]string{id}, mark)
}

// MarkMessages attaches mark to every listed message. Unknown ids fail the
// whole call before any mark is applied.
func (s *Store) MarkMessages(ids []string, mark string) error {
	if err := ValidateMark(mark); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.index[id]; !ok {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
	}
	for _, id := range ids {
		e := s.entries[s.index[id]]
		if !e.hasMark(mark) {
			e.marks = append(e.marks, mark)
		}
	}
	return nil
}

// Marks returns a copy of the marks on a message.
func (s *Store) Marks(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return append([]string(nil), s.entries[i].marks...), nil
}

// HasMark reports whether the message carries mark. Unknown ids report false.
func (s *Store) HasMark(id, mark string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	return ok && s.entries[i].hasMark(mark)
}

// Len returns the number of stored messages, marked or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Summary returns the compressed summary, possibly empty.
func (s *Store) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// SetSummary replaces the compressed summary wholesale.
func (s *Store) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
}

// Clear removes every message and the summary.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[string]int)
	s.summary = ""
}
