// Package conflict implements the scheduling-conflict side channel.
//
// Calendar tools sometimes detect that a requested action collides with
// existing events and must hand structured detail back through a channel
// whose only guaranteed carrier is free-form model text. The envelope is
// a narrow, explicit wire format:
//
//	CONFLICT_DETECTED::<json>::<human message>
//
// Decoding is defensive: anything that does not match the envelope —
// missing prefix, too few segments, malformed JSON — decodes as "no
// conflict present", never as an error the caller must handle.
package conflict

import (
	"encoding/json"
	"strings"
)

// Prefix is the reserved token that opens a conflict envelope.
const Prefix = "CONFLICT_DETECTED"

// Separator delimits the envelope segments.
const Separator = "::"

// ConflictingEvent identifies one existing event that collides with the
// requested action.
type ConflictingEvent struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// Payload carries the structured half of the envelope. EventData holds
// the proposed event as the tool understood it; ConflictingEvents lists
// what it collides with.
type Payload struct {
	EventData         map[string]any     `json:"eventData,omitempty"`
	ConflictingEvents []ConflictingEvent `json:"conflictingEvents,omitempty"`
}

// Encode renders a payload and human message into the wire envelope.
func Encode(p Payload, message string) string {
	data, err := json.Marshal(p)
	if err != nil {
		// Payload is maps and strings; marshal cannot realistically fail.
		// Fall back to an empty object so the envelope stays parseable.
		data = []byte("{}")
	}
	return Prefix + Separator + string(data) + Separator + message
}

// Decode recognizes a conflict envelope inside s. The second return is
// false when no well-formed envelope is present. The JSON segment is
// parsed as exactly one value rather than split on the separator, so
// both the JSON (event summaries and the like) and the trailing message
// may themselves contain "::".
func Decode(s string) (Payload, string, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(s), Prefix+Separator)
	if !found {
		return Payload{}, "", false
	}

	var p Payload
	dec := json.NewDecoder(strings.NewReader(rest))
	if err := dec.Decode(&p); err != nil {
		// Malformed JSON fails closed: no conflict, not a crash.
		return Payload{}, "", false
	}

	// The message segment must follow the JSON value behind its own
	// separator; a bare JSON tail is not an envelope.
	msg, found := strings.CutPrefix(rest[dec.InputOffset():], Separator)
	if !found {
		return Payload{}, "", false
	}

	return p, msg, true
}

// Contains reports whether s carries a well-formed conflict envelope.
func Contains(s string) bool {
	_, _, ok := Decode(s)
	return ok
}
