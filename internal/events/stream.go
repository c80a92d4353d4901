package events

import "sync"

// Stream is the single-producer, single-consumer channel between one
// loop invocation and its transport. Events are delivered strictly in
// emission order; exactly one terminal event is accepted, after which
// the stream closes and further emits are dropped. The loop and the
// transport share nothing else, so no further lock discipline is needed.
type Stream struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// NewStream creates a stream with the given buffer size. A buffer of 64
// absorbs tool-batch bursts without blocking the loop.
func NewStream(bufSize int) *Stream {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Stream{ch: make(chan Event, bufSize)}
}

// Emit appends an event to the stream. Emitting a terminal event closes
// the stream; any emit after that is dropped and reported as false.
// Emit blocks when the buffer is full — loop progress is gated on the
// transport keeping up, which is the intended backpressure.
func (s *Stream) Emit(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if e.Terminal() {
		s.closed = true
		s.mu.Unlock()
		s.ch <- e
		close(s.ch)
		return true
	}
	s.mu.Unlock()

	s.ch <- e
	return true
}

// Events returns the receive side. The channel closes after the
// terminal event has been delivered.
func (s *Stream) Events() <-chan Event {
	return s.ch
}
