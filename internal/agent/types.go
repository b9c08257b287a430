// Package agent implements the two conversational agents: a simple
// retrieve-then-answer agent and a supervisor that plans tool use through a
// bounded step machine. Both produce a ConversationTurn carrying the answer,
// the tool trace, and the citations that ground the answer.
package agent

// Path identifies how a turn was resolved.
type Path string

const (
	// PathSimple means the simple retrieve-then-answer agent produced the turn.
	PathSimple Path = "simple"
	// PathDirect means the supervisor answered directly from its context.
	PathDirect Path = "direct"
	// PathClarify means the supervisor asked the user a clarifying question.
	PathClarify Path = "clarify"
	// PathDelegate means the supervisor handed the turn to the simple agent.
	PathDelegate Path = "delegate"
)

// Citation links an answer back to one grounding chunk.
type Citation struct {
	// ChunkID is the cited chunk.
	ChunkID string `json:"chunk_id"`
	// DocumentID is the document owning the chunk.
	DocumentID string `json:"document_id"`
}

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	// Step is the 1-based position of the call within the turn.
	Step int `json:"step"`
	// Tool is the invoked tool name.
	Tool string `json:"tool"`
	// Arguments is the JSON-encoded input the model supplied.
	Arguments string `json:"arguments"`
	// Result is the tool output on success (possibly truncated).
	Result string `json:"result,omitempty"`
	// Error is the failure description when the call failed.
	Error string `json:"error,omitempty"`
}

// ConversationTurn is the durable record of one question/answer exchange.
type ConversationTurn struct {
	// ConversationID groups turns belonging to one conversation.
	ConversationID string `json:"conversation_id"`
	// ProjectID is the workspace the turn ran in.
	ProjectID string `json:"project_id"`
	// Question is the user's message.
	Question string `json:"question"`
	// Answer is the agent's final text.
	Answer string `json:"answer"`
	// Path records how the turn was resolved.
	Path Path `json:"path"`
	// ToolCalls is the ordered tool trace, empty for direct answers.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Citations ground the answer in retrieved chunks.
	Citations []Citation `json:"citations,omitempty"`
}
