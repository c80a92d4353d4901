package calendar

import (
	"time"

	"github.com/mkrall/castellan/internal/conflict"
)

// Overlaps reports whether the two half-open intervals [aStart, aEnd)
// and [bStart, bEnd) intersect. Back-to-back events do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// FindConflicts returns the subset of existing events that overlap the
// proposed interval, in existing order.
func FindConflicts(existing []Event, start, end time.Time) []Event {
	var out []Event
	for _, ev := range existing {
		if Overlaps(start, end, ev.Start, ev.End) {
			out = append(out, ev)
		}
	}
	return out
}

// conflictPayload builds the structured half of a conflict envelope for
// a proposed event against the events it collides with.
func conflictPayload(proposed Event, conflicts []Event) conflict.Payload {
	p := conflict.Payload{
		EventData: map[string]any{
			"summary": proposed.Summary,
			"start":   proposed.Start.Format(time.RFC3339),
			"end":     proposed.End.Format(time.RFC3339),
		},
	}
	if proposed.Location != "" {
		p.EventData["location"] = proposed.Location
	}
	for _, ev := range conflicts {
		p.ConflictingEvents = append(p.ConflictingEvents, conflict.ConflictingEvent{
			ID:      ev.ID,
			Summary: ev.Summary,
			Start:   ev.Start.Format(time.RFC3339),
			End:     ev.End.Format(time.RFC3339),
		})
	}
	return p
}
