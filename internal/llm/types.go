// Package llm defines the model gateway: a provider-neutral contract for
// "send a conversation, get back text or tool-call requests". Provider
// adapters (anthropic.go) translate their wire formats into these types
// so the orchestration loop never sees a vendor schema.
package llm

import (
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one turn of conversation history in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a tool invocation requested by the model. Immutable once
// created; the CallID correlates the eventual result back to the request.
type ToolCall struct {
	// CallID is the provider-assigned identifier (required by Anthropic
	// for tool_result correlation).
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the unified model response. It is a tagged variant: either
// ToolCalls is non-empty (the model wants tools run) or Text carries the
// final answer. When a provider returns both, tool calls win and Text is
// treated as commentary — it is streamed to the caller as it arrives but
// not folded into history.
type Response struct {
	Text      string
	ToolCalls []ToolCall

	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the loop should act on tool calls rather
// than treat the response as final text.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// DeltaFunc receives incremental text as the provider streams it.
// Implementations must not block; they run on the gateway's read loop.
type DeltaFunc func(delta string)

// ModelError wraps a provider-level failure (network error, non-2xx
// status, stream read failure). The loop treats it as terminal for the
// interaction; callers may inspect Retryable to decide on re-submission.
type ModelError struct {
	Provider  string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ModelError) Unwrap() error { return e.Err }
