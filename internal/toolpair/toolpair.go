// Package toolpair checks and repairs the pairing between tool_use blocks
// and the tool_result blocks that answer them.
//
// A message list is valid when every tool_use id is closed by a matching
// tool_result in the contiguous run of result messages that immediately
// follows the use message, no result is orphaned, no message mixes the
// two block types, and no message repeats a tool_use id. Model APIs reject anything else, so the sanitizer runs on
// every view before it is sent.
package toolpair

import "github.com/zhijianma/copaw/internal/memory"

type kind int

const (
	kindPlain kind = iota
	kindUse
	kindResult
	kindMixed
)

func classify(m memory.Message) kind {
	use, result := m.HasToolUse(), m.HasToolResult()
	switch {
	case use && result:
		return kindMixed
	case use:
		return kindUse
	case result:
		return kindResult
	}
	return kindPlain
}

// pending is a multiset of open tool_use ids.
type pending map[string]int

func openIDs(m memory.Message) pending {
	p := make(pending)
	for _, id := range m.ToolUseIDs() {
		p[id]++
	}
	return p
}

// closes reports whether every result id of m is still open in p.
func (p pending) closes(m memory.Message) bool {
	need := make(map[string]int)
	for _, id := range m.ToolResultIDs() {
		need[id]++
	}
	for id, n := range need {
		if p[id] < n {
			return false
		}
	}
	return true
}

func (p pending) consume(m memory.Message) {
	for _, id := range m.ToolResultIDs() {
		if p[id]--; p[id] <= 0 {
			delete(p, id)
		}
	}
}

// Valid reports whether msgs satisfies the pairing invariant.
func Valid(msgs []memory.Message) bool {
	i := 0
	for i < len(msgs) {
		switch classify(msgs[i]) {
		case kindMixed, kindResult:
			return false
		case kindUse:
			if hasDuplicateUse(msgs[i]) {
				return false
			}
			open := openIDs(msgs[i])
			j := i + 1
			for j < len(msgs) && len(open) > 0 && classify(msgs[j]) == kindResult {
				if !open.closes(msgs[j]) {
					return false
				}
				open.consume(msgs[j])
				j++
			}
			if len(open) > 0 {
				return false
			}
			i = j
		default:
			i++
		}
	}
	return true
}

// Sanitize returns msgs itself when it already satisfies the pairing
// invariant. Otherwise it returns a repaired copy and the number of messages
// it dropped. Repair deduplicates tool_use ids within each message, moves
// result messages directly after the use they answer, then deletes any use
// whose ids are not all closed (together with its partial results) and any
// result left without a use. Sanitize never fails: when repair cannot
// produce a valid list every tool message is dropped.
func Sanitize(msgs []memory.Message) ([]memory.Message, int) {
	deduped, changed := dedupToolUses(msgs)
	if Valid(deduped) {
		if changed {
			return deduped, 0
		}
		return msgs, 0
	}

	repaired := removeUnpaired(reorder(deduped))
	if !Valid(repaired) {
		repaired = dropToolMessages(repaired)
	}
	return repaired, len(msgs) - len(repaired)
}

// dedupToolUses keeps only the first tool_use block for each id within a
// message. The input is not modified; changed reports whether a copy was
// made.
func dedupToolUses(msgs []memory.Message) ([]memory.Message, bool) {
	var out []memory.Message
	for i, m := range msgs {
		if !hasDuplicateUse(m) {
			if out != nil {
				out = append(out, m)
			}
			continue
		}
		if out == nil {
			out = make([]memory.Message, i, len(msgs))
			copy(out, msgs[:i])
		}
		fixed := m.Clone()
		seen := make(map[string]bool)
		blocks := fixed.Content.Blocks[:0]
		for _, b := range fixed.Content.Blocks {
			if b.Type == memory.BlockToolUse {
				if seen[b.ID] {
					continue
				}
				seen[b.ID] = true
			}
			blocks = append(blocks, b)
		}
		fixed.Content.Blocks = blocks
		out = append(out, fixed)
	}
	if out == nil {
		return msgs, false
	}
	return out, true
}

func hasDuplicateUse(m memory.Message) bool {
	seen := make(map[string]bool)
	for _, id := range m.ToolUseIDs() {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

// reorder moves each result message directly after the use message it
// answers. Repeated ids are matched first-in first-out: each result takes the
// earliest use occurrence of its first id that no earlier result has taken,
// and claims only that use's occurrences of its other ids. Results with no
// matching use stay where they are. Mixed messages are dropped.
func reorder(msgs []memory.Message) []memory.Message {
	// Every occurrence of a use id, in conversation order.
	queues := make(map[string][]int)
	for i, m := range msgs {
		if classify(m) != kindUse {
			continue
		}
		for _, id := range m.ToolUseIDs() {
			queues[id] = append(queues[id], i)
		}
	}

	// Assign results to uses.
	attached := make(map[int][]int) // use index -> result indexes
	assigned := make(map[int]bool)
	for i, m := range msgs {
		if classify(m) != kindResult {
			continue
		}
		rids := m.ToolResultIDs()
		q := queues[rids[0]]
		if len(q) == 0 {
			continue
		}
		target := q[0]
		for _, id := range rids {
			queues[id] = without(queues[id], target)
		}
		attached[target] = append(attached[target], i)
		assigned[i] = true
	}

	out := make([]memory.Message, 0, len(msgs))
	for i, m := range msgs {
		switch classify(m) {
		case kindMixed:
			continue
		case kindResult:
			if assigned[i] {
				continue
			}
			out = append(out, m)
		case kindUse:
			out = append(out, m)
			for _, r := range attached[i] {
				out = append(out, msgs[r])
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

// without removes the first occurrence of use index i from q.
func without(q []int, i int) []int {
	for k, v := range q {
		if v == i {
			return append(q[:k:k], q[k+1:]...)
		}
	}
	return q
}

// removeUnpaired deletes use messages that are not fully closed by the run
// of result messages after them, those partial results, and orphan results.
func removeUnpaired(msgs []memory.Message) []memory.Message {
	out := make([]memory.Message, 0, len(msgs))
	i := 0
	for i < len(msgs) {
		switch classify(msgs[i]) {
		case kindUse:
			open := openIDs(msgs[i])
			j := i + 1
			for j < len(msgs) && len(open) > 0 && classify(msgs[j]) == kindResult && open.closes(msgs[j]) {
				open.consume(msgs[j])
				j++
			}
			if len(open) == 0 {
				out = append(out, msgs[i:j]...)
			}
			i = j
		case kindResult, kindMixed:
			i++
		default:
			out = append(out, msgs[i])
			i++
		}
	}
	return out
}

func dropToolMessages(msgs []memory.Message) []memory.Message {
	out := make([]memory.Message, 0, len(msgs))
	for _, m := range msgs {
		if classify(m) == kindPlain {
			out = append(out, m)
		}
	}
	return out
}
