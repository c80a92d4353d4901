package orchestrator

import (
	"strings"

	"github.com/mkrall/castellan/internal/conflict"
	"github.com/mkrall/castellan/internal/events"
)

// deltaGate sits between one model call's streamed text and the client
// stream. The conflict envelope travels inside model text, and its raw
// wire form must never reach the client, so deltas are withheld until
// the cumulative text can no longer be the start of an envelope. One
// gate serves exactly one model call.
type deltaGate struct {
	stream *events.Stream

	buf      strings.Builder
	total    strings.Builder // full cumulative text, gate decision aside
	decided  bool
	withheld bool
}

func newDeltaGate(stream *events.Stream) *deltaGate {
	return &deltaGate{stream: stream}
}

// OnDelta receives one streamed chunk. Chunks pass through once the
// text has proven it is not an envelope; until then they accumulate.
func (g *deltaGate) OnDelta(delta string) {
	g.total.WriteString(delta)

	if g.decided {
		if !g.withheld {
			g.emit(delta)
		}
		return
	}

	g.buf.WriteString(delta)
	head := strings.TrimLeft(g.buf.String(), " \t\r\n")

	if len(head) < len(conflict.Prefix) {
		if strings.HasPrefix(conflict.Prefix, head) {
			return // still ambiguous
		}
	} else if strings.HasPrefix(head, conflict.Prefix) {
		g.decided = true
		g.withheld = true
		return
	}

	g.decided = true
	g.emit(g.buf.String())
	g.buf.Reset()
}

// Flush resolves an undecided gate at end of call. Text still buffered
// because it was a short prefix of the envelope token is released.
func (g *deltaGate) Flush() {
	if g.decided || g.buf.Len() == 0 {
		return
	}
	g.decided = true
	g.emit(g.buf.String())
	g.buf.Reset()
}

// Withheld reports whether the call's text was held back as a conflict
// envelope.
func (g *deltaGate) Withheld() bool { return g.withheld }

// Text returns the full cumulative text of the call.
func (g *deltaGate) Text() string { return g.total.String() }

func (g *deltaGate) emit(delta string) {
	if delta == "" {
		return
	}
	g.stream.Emit(events.Event{
		Kind:       events.KindTextDelta,
		Delta:      delta,
		Cumulative: g.total.String(),
	})
}
