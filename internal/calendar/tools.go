package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkrall/castellan/internal/conflict"
	"github.com/mkrall/castellan/internal/tools"
)

// SchedulerAgent is the routing identity for the calendar tools.
const SchedulerAgent = "scheduler"

// RegisterTools adds the scheduling tools to the registry.
func RegisterTools(reg *tools.Registry, backend Backend) {
	reg.Register(&tools.Tool{
		Name:        "get_events_direct",
		Description: "List calendar events in a time window. Times are RFC3339.",
		Agent:       SchedulerAgent,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start": map[string]any{"type": "string", "description": "Window start, RFC3339"},
				"end":   map[string]any{"type": "string", "description": "Window end, RFC3339"},
			},
			"required": []string{"start", "end"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			start, end, err := windowArgs(args)
			if err != nil {
				return "", err
			}
			events, err := backend.ListEvents(ctx, start, end)
			if err != nil {
				return "", fmt.Errorf("list events: %w", err)
			}
			if events == nil {
				events = []Event{}
			}
			out, err := json.Marshal(events)
			if err != nil {
				return "", fmt.Errorf("encode events: %w", err)
			}
			return string(out), nil
		},
	})

	reg.Register(&tools.Tool{
		Name: "create_event",
		Description: "Create a calendar event. If the time collides with existing events " +
			"the event is NOT created and the conflicting events are returned; ask the user " +
			"before retrying with force=true.",
		Agent: SchedulerAgent,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":     map[string]any{"type": "string"},
				"start":       map[string]any{"type": "string", "description": "RFC3339"},
				"end":         map[string]any{"type": "string", "description": "RFC3339"},
				"description": map[string]any{"type": "string"},
				"location":    map[string]any{"type": "string"},
				"force": map[string]any{
					"type":        "boolean",
					"description": "Create even if it overlaps existing events. Only after user confirmation.",
				},
			},
			"required": []string{"summary", "start", "end"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			summary, _ := args["summary"].(string)
			if summary == "" {
				return "", fmt.Errorf("summary is required")
			}
			start, end, err := windowArgs(args)
			if err != nil {
				return "", err
			}
			if !end.After(start) {
				return "", fmt.Errorf("end must be after start")
			}

			ev := Event{Summary: summary, Start: start, End: end}
			ev.Description, _ = args["description"].(string)
			ev.Location, _ = args["location"].(string)

			force, _ := args["force"].(bool)
			if !force {
				existing, err := backend.ListEvents(ctx, start, end)
				if err != nil {
					return "", fmt.Errorf("check conflicts: %w", err)
				}
				if conflicts := FindConflicts(existing, start, end); len(conflicts) > 0 {
					msg := fmt.Sprintf("%q overlaps %d existing event(s). Confirm with the user before scheduling anyway.",
						summary, len(conflicts))
					return conflict.Encode(conflictPayload(ev, conflicts), msg), nil
				}
			}

			created, err := backend.CreateEvent(ctx, ev)
			if err != nil {
				return "", fmt.Errorf("create event: %w", err)
			}
			out, err := json.Marshal(created)
			if err != nil {
				return "", fmt.Errorf("encode event: %w", err)
			}
			return string(out), nil
		},
	})

	reg.Register(&tools.Tool{
		Name:        "delete_event",
		Description: "Delete a calendar event by its ID.",
		Agent:       SchedulerAgent,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := backend.DeleteEvent(ctx, id); err != nil {
				return "", fmt.Errorf("delete event: %w", err)
			}
			return fmt.Sprintf("Deleted event %s.", id), nil
		},
	})

	reg.Register(&tools.Tool{
		Name:        "create_reminder",
		Description: "Create a dated reminder for the user.",
		Agent:       SchedulerAgent,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
				"due":     map[string]any{"type": "string", "description": "RFC3339"},
			},
			"required": []string{"summary", "due"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			summary, _ := args["summary"].(string)
			if summary == "" {
				return "", fmt.Errorf("summary is required")
			}
			due, err := timeArg(args, "due")
			if err != nil {
				return "", err
			}
			r, err := backend.CreateReminder(ctx, Reminder{Summary: summary, Due: due})
			if err != nil {
				return "", fmt.Errorf("create reminder: %w", err)
			}
			out, err := json.Marshal(r)
			if err != nil {
				return "", fmt.Errorf("encode reminder: %w", err)
			}
			return string(out), nil
		},
	})
}

func windowArgs(args map[string]any) (time.Time, time.Time, error) {
	start, err := timeArg(args, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := timeArg(args, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func timeArg(args map[string]any, key string) (time.Time, error) {
	s, _ := args[key].(string)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w (use RFC3339, e.g. 2026-08-31T14:00:00Z)", key, err)
	}
	return t, nil
}
