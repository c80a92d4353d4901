package conflict

import (
	"reflect"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p := Payload{
		EventData: map[string]any{
			"summary": "Sync",
			"start":   "2026-09-01T10:00:00Z",
		},
		ConflictingEvents: []ConflictingEvent{
			{ID: "e1", Summary: "Standup", Start: "2026-09-01T10:00:00Z", End: "2026-09-01T10:30:00Z"},
			{ID: "e2", Summary: "1:1"},
		},
	}
	msg := "Conflicts with 2 existing events"

	got, gotMsg, ok := Decode(Encode(p, msg))
	if !ok {
		t.Fatal("Decode: expected a conflict envelope")
	}
	if gotMsg != msg {
		t.Errorf("message = %q, want %q", gotMsg, msg)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("payload = %+v, want %+v", got, p)
	}
}

func TestEncodeDecode_SeparatorInsideJSON(t *testing.T) {
	// Calendar data is user-controlled and may contain the separator.
	p := Payload{
		EventData: map[string]any{"summary": "standup :: weekly"},
		ConflictingEvents: []ConflictingEvent{
			{ID: "e1", Summary: "retro::planning"},
		},
	}

	got, msg, ok := Decode(Encode(p, "overlaps"))
	if !ok {
		t.Fatal("Decode: expected a conflict envelope")
	}
	if msg != "overlaps" {
		t.Errorf("message = %q, want %q", msg, "overlaps")
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("payload = %+v, want %+v", got, p)
	}
}

func TestDecode_MessageMayContainSeparator(t *testing.T) {
	encoded := Encode(Payload{}, "before::after")
	_, msg, ok := Decode(encoded)
	if !ok {
		t.Fatal("Decode: expected a conflict envelope")
	}
	if msg != "before::after" {
		t.Errorf("message = %q, want %q", msg, "before::after")
	}
}

func TestDecode_RawEnvelope(t *testing.T) {
	s := `CONFLICT_DETECTED::{"eventData":{"summary":"Sync"},"conflictingEvents":[{"id":"e1"}]}::Conflicts with existing event`

	p, msg, ok := Decode(s)
	if !ok {
		t.Fatal("Decode: expected a conflict envelope")
	}
	if msg != "Conflicts with existing event" {
		t.Errorf("message = %q", msg)
	}
	if len(p.ConflictingEvents) != 1 || p.ConflictingEvents[0].ID != "e1" {
		t.Errorf("conflictingEvents = %+v, want one event with id e1", p.ConflictingEvents)
	}
	if p.EventData["summary"] != "Sync" {
		t.Errorf("eventData = %+v, want summary Sync", p.EventData)
	}
}

func TestDecode_FailsClosed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"plain text", "your meeting was created"},
		{"empty", ""},
		{"prefix only", "CONFLICT_DETECTED"},
		{"prefix with one segment", "CONFLICT_DETECTED::{}"},
		{"malformed json", "CONFLICT_DETECTED::{not json::message"},
		{"wrong prefix", "CONFLICT::{}::msg"},
		{"prefix mid-word", "NOCONFLICT_DETECTED::{}::msg"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, ok := Decode(tc.in); ok {
				t.Errorf("Decode(%q): expected no envelope", tc.in)
			}
		})
	}
}

func TestDecode_TrimsSurroundingWhitespace(t *testing.T) {
	if _, _, ok := Decode("  " + Encode(Payload{}, "msg") + "\n"); !ok {
		t.Error("Decode: expected envelope despite surrounding whitespace")
	}
}
