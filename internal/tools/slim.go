package tools

import (
	"encoding/json"
	"fmt"
)

// Byte budgets for tool output handling. History bounding keeps the
// growing conversation from ballooning a single interaction; the persist
// budget keeps recorded outputs compact.
const (
	// HistoryByteBudget caps a tool result folded back into the live
	// conversation history.
	HistoryByteBudget = 30000

	// PersistByteBudget caps a tool result kept on the interaction
	// record. Larger outputs are replaced with a truncation marker.
	PersistByteBudget = 2048

	// persistPreviewBytes is the preview length inside a truncation
	// marker.
	persistPreviewBytes = 512
)

// persistAllowlist names the tools whose outputs are worth persisting on
// the interaction record. Everything else is used transiently within the
// loop and then dropped.
var persistAllowlist = map[string]bool{
	"get_events_direct": true,
	"create_event":      true,
	"delete_event":      true,
	"create_reminder":   true,
	"remember":          true,
}

// Slim shapes a raw tool output for persistence. The second return is
// false when the tool is not in the persist allow-list: the output is
// dropped from the record entirely. Outputs over PersistByteBudget are
// replaced with a {"truncated":true,"preview":...} marker. Deterministic
// for repeated calls.
func Slim(toolName, raw string) (string, bool) {
	if !persistAllowlist[toolName] {
		return "", false
	}
	if len(raw) <= PersistByteBudget {
		return raw, true
	}

	marker, err := json.Marshal(map[string]any{
		"truncated": true,
		"preview":   cutBytes(raw, persistPreviewBytes),
	})
	if err != nil {
		// A string preview always marshals; keep a fallback regardless.
		return `{"truncated":true}`, true
	}
	return string(marker), true
}

// BoundForHistory truncates a tool result before it is folded back into
// the conversation. Head and tail are kept; the middle is elided so the
// model still sees both how output starts and how it ends.
func BoundForHistory(raw string) string {
	if len(raw) <= HistoryByteBudget {
		return raw
	}

	half := HistoryByteBudget / 2
	removed := len(raw) - HistoryByteBudget
	return cutBytes(raw, half) +
		fmt.Sprintf("\n\n[Tool output truncated: %d bytes removed from the middle. Re-run the tool with narrower parameters to see specific parts.]\n\n", removed) +
		raw[len(raw)-half:]
}

// cutBytes returns at most n leading bytes of s without splitting a
// UTF-8 sequence.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
