// Package tools defines the AgentTool interface and the tool implementations
// the agents can invoke during a conversation: chunk retrieval, document
// metadata listing, and web page fetching. Each tool satisfies both this
// package's interface and Eino's tool contract so it can be registered
// directly with a chat model, and every failure is reported as a typed
// *Error so the agent layer can react to the failure kind rather than
// parsing message strings.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ErrorKind classifies a tool failure. The set is closed; agents switch on
// it to decide whether to retry, rephrase, or give up.
type ErrorKind string

const (
	// KindNotFound means the requested entity (or tool) does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTimeout means the tool ran out of time.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimited means an upstream provider rejected the call for quota.
	KindRateLimited ErrorKind = "rate_limited"
	// KindInvalidArgs means the input payload was malformed or incomplete.
	KindInvalidArgs ErrorKind = "invalid_args"
)

// Error is a typed tool failure.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Tool is the name of the tool that failed.
	Tool string
	// Message describes the failure.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the error's kind, or "" when err is not a tool error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// AgentTool is the interface all agent-invokable tools must satisfy. It
// extends the basic Eino tool contract with Name and Description accessors
// so the agent can log and route tool calls without type assertions.
type AgentTool interface {
	// Name returns the unique tool name registered with the agent.
	Name() string

	// Description returns a human-readable description of what the tool does.
	// This text is sent to the LLM as part of the tool schema.
	Description() string

	// Info returns the Eino tool metadata including the JSON input schema.
	Info(ctx context.Context) (*schema.ToolInfo, error)

	// InvokableRun executes the tool given a JSON-encoded input string.
	InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error)
}

// Registry is the closed set of tools available to an agent turn. Dispatch
// goes through the registry only; there is no dynamic tool discovery.
type Registry struct {
	tools map[string]AgentTool
}

// NewRegistry constructs a Registry holding the given tools. Duplicate names
// are rejected.
func NewRegistry(tools ...AgentTool) (*Registry, error) {
	r := &Registry{tools: make(map[string]AgentTool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			return nil, fmt.Errorf("tools: duplicate tool name %q", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r, nil
}

// Invoke runs the named tool with the JSON-encoded arguments. Asking for a
// tool outside the registered set fails with a not_found tool error.
func (r *Registry) Invoke(ctx context.Context, name, argumentsInJSON string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", &Error{Kind: KindNotFound, Tool: name, Message: "no such tool"}
	}
	return t.InvokableRun(ctx, argumentsInJSON)
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []AgentTool {
	out := make([]AgentTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
