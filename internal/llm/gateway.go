package llm

import "context"

// Gateway is the interface the orchestration loop depends on. It must be
// safely callable multiple times with a growing history and must not
// mutate the history it is given.
type Gateway interface {
	// Send submits the conversation and returns the model's response.
	// tools carries JSON-schema tool definitions in the registry's wire
	// shape. onDelta, when non-nil, receives incremental text; the full
	// text is still returned on the Response.
	Send(ctx context.Context, history []Message, tools []map[string]any, onDelta DeltaFunc) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
