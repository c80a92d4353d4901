// Package events defines the stream event union emitted by the
// orchestration loop and the per-interaction Stream that carries it to a
// transport. It also provides the operational Bus used for out-of-band
// telemetry (WebSocket feed, future metrics collector).
package events

// Kind identifies the type of a stream event. The values double as the
// SSE event names on the wire.
type Kind string

const (
	// KindTextDelta is an incremental text chunk from the model.
	KindTextDelta Kind = "text_delta"
	// KindAgentSwitch fires when the active tool-routing agent changes.
	KindAgentSwitch Kind = "agent_switch"
	// KindToolStart fires before a tool executes.
	KindToolStart Kind = "tool_start"
	// KindToolComplete fires after a tool executes, success or not.
	KindToolComplete Kind = "tool_complete"
	// KindMemoryUpdated fires when a memory note is added or replaced.
	KindMemoryUpdated Kind = "memory_updated"
	// KindError is a terminal failure. Exactly one of KindError or
	// KindDone closes a stream.
	KindError Kind = "error"
	// KindDone is the terminal success event carrying the final text.
	KindDone Kind = "done"
	// KindHeartbeat is a liveness marker inserted by the transport. It
	// carries no semantic payload; consumers that don't recognize it
	// must ignore it. The loop never emits it.
	KindHeartbeat Kind = "heartbeat"
)

// Error codes carried on KindError events.
const (
	CodeNoCredits  = "NO_CREDITS"
	CodeModelError = "MODEL_ERROR"
	CodeInternal   = "INTERNAL"
)

// Event is the tagged union pushed through a Stream. Exactly one payload
// field group is meaningful per Kind; the rest are zero.
type Event struct {
	Kind Kind `json:"-"`

	// KindTextDelta
	Delta      string `json:"delta,omitempty"`
	Cumulative string `json:"cumulativeText,omitempty"`

	// KindAgentSwitch
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// KindToolStart / KindToolComplete
	Tool    string `json:"name,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Success *bool  `json:"success,omitempty"`

	// KindMemoryUpdated
	Preview string `json:"preview,omitempty"`
	Action  string `json:"action,omitempty"` // "added" | "replaced"

	// KindError
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// KindDone
	ConversationID       string     `json:"conversationId,omitempty"`
	FinalText            string     `json:"finalText,omitempty"`
	ToolCalls            []ToolStat `json:"toolCalls,omitempty"`
	DurationMs           int64      `json:"durationMs,omitempty"`
	RequiresConfirmation bool       `json:"requiresConfirmation,omitempty"`
	Conflicts            []any      `json:"conflicts,omitempty"`
}

// ToolStat summarizes one executed tool call for the Done event.
type ToolStat struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
	// Output is the slimmed persistence form; empty when the tool's
	// output is not worth persisting.
	Output string `json:"output,omitempty"`
}

// Terminal reports whether the event closes a stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
