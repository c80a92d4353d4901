// Package calendar provides the scheduling backend: event and reminder
// storage on a CalDAV server, overlap detection, and the scheduling
// tools exposed to the model.
package calendar

import (
	"context"
	"time"
)

// Event is one calendar entry in the assistant's working form.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Reminder is a dated to-do item.
type Reminder struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Due     time.Time `json:"due"`
}

// Backend is the calendar storage the scheduling tools run against.
type Backend interface {
	// ListEvents returns events overlapping [start, end), recurring
	// occurrences expanded.
	ListEvents(ctx context.Context, start, end time.Time) ([]Event, error)
	// CreateEvent stores a new event and returns it with its assigned ID.
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	// DeleteEvent removes an event by ID.
	DeleteEvent(ctx context.Context, id string) error
	// CreateReminder stores a new reminder and returns it with its
	// assigned ID.
	CreateReminder(ctx context.Context, r Reminder) (Reminder, error)
}
