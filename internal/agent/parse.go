package agent

import (
	"encoding/json"
	"strings"
)

// decision is the JSON envelope the supervisor model must emit each step.
type decision struct {
	// Action is one of: tool_call, answer, clarify, delegate.
	Action string `json:"action"`
	// Tool is the tool name for tool_call actions.
	Tool string `json:"tool,omitempty"`
	// Arguments is the tool input for tool_call actions.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Text carries the answer or clarifying question for terminal actions.
	Text string `json:"text,omitempty"`
	// Reason explains a delegate action.
	Reason string `json:"reason,omitempty"`
}

// parseDecision extracts a decision from the model output. Models often wrap
// JSON in markdown fences; those are stripped before unmarshalling. A nil
// result means the output is not a decision envelope and should be treated
// as a plain answer.
func parseDecision(output string) *decision {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var d decision
	if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
		return nil
	}
	if d.Action == "" {
		return nil
	}
	return &d
}
