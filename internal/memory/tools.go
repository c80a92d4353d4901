package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mkrall/castellan/internal/tools"
)

// Actions reported by the remember tool.
const (
	ActionAdded    = "added"
	ActionReplaced = "replaced"
)

// RememberOutcome is the remember tool's structured output. The loop
// reads it to announce memory updates to the client.
type RememberOutcome struct {
	Action  string `json:"action"`
	Key     string `json:"key"`
	Preview string `json:"preview"`
}

// RegisterTools adds the memory tools to the registry.
func RegisterTools(reg *tools.Registry, store *Store) {
	reg.Register(&tools.Tool{
		Name:        "remember",
		Description: "Store a note about the user for future conversations. Use a short stable key so updated information replaces the old note.",
		Agent:       "memory",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Short stable identifier, e.g. 'preferred_meeting_time'",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The information to remember",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if key == "" {
				return "", fmt.Errorf("key is required")
			}
			if value == "" {
				return "", fmt.Errorf("value is required")
			}

			userID := tools.UserIDFromContext(ctx)
			if userID == "" {
				return "", fmt.Errorf("no user in context")
			}

			note, replaced, err := store.Set(ctx, userID, key, value)
			if err != nil {
				return "", fmt.Errorf("store note: %w", err)
			}

			action := ActionAdded
			if replaced {
				action = ActionReplaced
			}
			out, err := json.Marshal(RememberOutcome{
				Action:  action,
				Key:     note.Key,
				Preview: preview(note.Value, 80),
			})
			if err != nil {
				return "", fmt.Errorf("encode outcome: %w", err)
			}
			return string(out), nil
		},
	})

	reg.Register(&tools.Tool{
		Name:        "recall_notes",
		Description: "List everything remembered about the user.",
		Agent:       "memory",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			userID := tools.UserIDFromContext(ctx)
			if userID == "" {
				return "", fmt.Errorf("no user in context")
			}

			notes, err := store.List(ctx, userID)
			if err != nil {
				return "", fmt.Errorf("list notes: %w", err)
			}
			if len(notes) == 0 {
				return "No notes on file for this user.", nil
			}

			var b strings.Builder
			for _, n := range notes {
				fmt.Fprintf(&b, "- %s: %s\n", n.Key, n.Value)
			}
			return b.String(), nil
		},
	})
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
