package prompts

import "fmt"

// previousSummaryTemplate frames the compressed summary when it is
// materialized as the leading message of the active context.
const previousSummaryTemplate = `<previous-summary>
%s
</previous-summary>
The above is a summary of our earlier conversation. Continue from where it left off.`

// PreviousSummary wraps a compressed summary for inclusion in the model
// context.
func PreviousSummary(summary string) string {
	return fmt.Sprintf(previousSummaryTemplate, summary)
}
