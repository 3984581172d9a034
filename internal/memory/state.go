package memory

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State dict keys.
const (
	StateKeyContent = "content"
	StateKeySummary = "_compressed_summary"
)

// ErrMissingStateKey is returned by a strict LoadStateDict when the content
// key is absent.
var ErrMissingStateKey = errors.New("missing state key")

// StateDict exports the store as plain nested maps and slices, the same
// shapes encoding/json produces when decoding into any:
//
//	{"content": [[message, [marks...]], ...], "_compressed_summary": "..."}
func (s *Store) StateDict() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content := make([]any, 0, len(s.entries))
	for _, e := range s.entries {
		m, err := messageToMap(e.msg)
		if err != nil {
			return nil, fmt.Errorf("export message %s: %w", e.msg.ID, err)
		}
		marks := make([]any, len(e.marks))
		for i, mark := range e.marks {
			marks[i] = mark
		}
		content = append(content, []any{m, marks})
	}

	return map[string]any{
		StateKeyContent: content,
		StateKeySummary: s.summary,
	}, nil
}

// LoadStateDict replaces the store contents with state. Both the pair list
// written by StateDict and the legacy bare message list are accepted; legacy
// entries load without marks. A missing content key is an error in strict
// mode and leaves an empty store otherwise. On error the store is unchanged.
func (s *Store) LoadStateDict(state map[string]any, strict bool) error {
	raw, ok := state[StateKeyContent]
	if !ok && strict {
		return fmt.Errorf("%w: %q", ErrMissingStateKey, StateKeyContent)
	}

	var items []any
	if ok && raw != nil {
		items, ok = raw.([]any)
		if !ok {
			return fmt.Errorf("%w: content is %T, want list", ErrInvalidMessage, raw)
		}
	}

	entries := make([]*entry, 0, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		msgRaw, marks, err := splitStateItem(item)
		if err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
		msg, err := messageFromAny(msgRaw)
		if err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
		if msg.ID == "" || !msg.Role.Valid() {
			return fmt.Errorf("content[%d]: %w: id=%q role=%q", i, ErrInvalidMessage, msg.ID, msg.Role)
		}
		if _, dup := index[msg.ID]; dup {
			return fmt.Errorf("content[%d]: %w: %s", i, ErrDuplicateMessage, msg.ID)
		}
		for _, mark := range marks {
			if err := ValidateMark(mark); err != nil {
				return fmt.Errorf("content[%d]: %w", i, err)
			}
		}
		index[msg.ID] = len(entries)
		entries = append(entries, &entry{msg: msg, marks: dedupMarks(marks)})
	}

	var summary string
	if v, ok := state[StateKeySummary]; ok && v != nil {
		summary, ok = v.(string)
		if !ok {
			return fmt.Errorf("%s is %T, want string", StateKeySummary, v)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.index = index
	s.summary = summary
	return nil
}

// splitStateItem separates a content item into its message and marks.
// Pair items are two-element lists; anything else is a legacy bare message.
func splitStateItem(item any) (any, []string, error) {
	pair, ok := item.([]any)
	if !ok {
		return item, nil, nil
	}
	if len(pair) != 2 {
		return nil, nil, fmt.Errorf("%w: pair has %d elements", ErrInvalidMessage, len(pair))
	}

	var marks []string
	switch ms := pair[1].(type) {
	case nil:
	case []any:
		for _, m := range ms {
			mark, ok := m.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: mark is %T", ErrInvalidMark, m)
			}
			marks = append(marks, mark)
		}
	case []string:
		marks = append(marks, ms...)
	default:
		return nil, nil, fmt.Errorf("%w: marks are %T", ErrInvalidMark, pair[1])
	}
	return pair[0], marks, nil
}

func messageToMap(m Message) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func messageFromAny(v any) (Message, error) {
	if msg, ok := v.(Message); ok {
		return msg.Clone(), nil
	}
	if _, ok := v.(map[string]any); !ok {
		return Message{}, fmt.Errorf("%w: message is %T", ErrInvalidMessage, v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
