// Package prompts contains the LLM prompt templates used internally by CoPaw.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// Each prompt category gets its own file with an exported function that
// accepts the dynamic parts and returns the fully interpolated string.
package prompts
