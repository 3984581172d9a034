package prompts

import (
	"fmt"
	"strings"
)

// compactionTemplate is the prompt sent to an LLM to fold a run of
// conversation messages into the running summary. The single format verb is
// the conversation text.
const compactionTemplate = `Summarize this conversation concisely so it can replace the original messages in the assistant's context. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (tool calls and what they returned)
4. Any open items or things to remember

Keep the summary under 500 words. Use bullet points.

Conversation:
%s

Summary:`

// previousSummarySection is appended when an earlier compaction already
// produced a summary. The new summary must carry it forward rather than
// replace it.
const previousSummarySection = `

## Summary of earlier conversation
%s

Merge the earlier summary with the new conversation above into a single
updated summary. Do not drop facts from the earlier summary unless the new
conversation supersedes them.`

// CompactionPrompt returns the fully interpolated prompt for conversation
// compaction. conversationText is the rendered transcript ("role: content"
// lines). A non-empty previousSummary is folded into the request so that
// summaries accumulate across compactions.
func CompactionPrompt(conversationText, previousSummary string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(compactionTemplate, conversationText))
	if previousSummary != "" {
		sb.WriteString(fmt.Sprintf(previousSummarySection, previousSummary))
	}
	return sb.String()
}
