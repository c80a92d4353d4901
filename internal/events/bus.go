package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an ops event.
const (
	// SourceLoop identifies events from the orchestration loop.
	SourceLoop = "loop"
	// SourceLedger identifies events from the credit ledger.
	SourceLedger = "ledger"
	// SourceAPI identifies events from the HTTP server.
	SourceAPI = "api"
)

// Ops kind constants describe the type of event within a source.
const (
	// OpsInteractionStart signals the beginning of an interaction.
	// Data: interaction_id, user_id, conversation_id.
	OpsInteractionStart = "interaction_start"
	// OpsModelCall signals the start of a model call.
	// Data: interaction_id, iter.
	OpsModelCall = "model_call"
	// OpsModelResponse signals completion of a model call.
	// Data: interaction_id, iter, tokens_in, tokens_out, tool_calls.
	OpsModelResponse = "model_response"
	// OpsToolCall signals the start of a tool execution.
	// Data: interaction_id, tool.
	OpsToolCall = "tool_call"
	// OpsToolDone signals completion of a tool execution.
	// Data: interaction_id, tool, ok, duration_ms.
	OpsToolDone = "tool_done"
	// OpsInteractionComplete signals the end of an interaction.
	// Data: interaction_id, outcome, iterations, elapsed_ms.
	OpsInteractionComplete = "interaction_complete"
	// OpsCreditSettled signals a credit transaction reached a final
	// state. Data: user_id, state.
	OpsCreditSettled = "credit_settled"
)

// OpsEvent is a single operational event published by a component.
// These feed the WebSocket telemetry stream, not the client-facing SSE
// stream.
type OpsEvent struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus for ops events. Subscribers
// receive events on buffered channels; slow subscribers miss events
// rather than blocking publishers. The bus is nil-safe: calling Publish
// on a nil *Bus is a no-op, so components do not need guard checks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan OpsEvent]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan OpsEvent (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan OpsEvent]chan OpsEvent
}

// NewBus creates an ops event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan OpsEvent]struct{}),
		recvToSend: make(map[<-chan OpsEvent]chan OpsEvent),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e OpsEvent) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan OpsEvent {
	ch := make(chan OpsEvent, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan OpsEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
