// Package tools provides the tool registry and execution framework.
//
// Every tool is an opaque named capability: the loop dispatches a model's
// tool-call request by name and always gets a Result back. Failures —
// handler errors, unknown tools, panics — are converted into Result
// payloads so a misbehaving tool can never abort an interaction.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrall/castellan/internal/llm"
)

// DefaultAgent is the routing identity for tools that don't declare one.
const DefaultAgent = "concierge"

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Agent is the routing identity this tool belongs to ("scheduler",
	// "memory", ...). Tracked for display only; empty means DefaultAgent.
	Agent   string                                                         `json:"-"`
	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Result is the outcome of one tool call. Exactly one Result exists per
// request, and request order is preserved by the caller.
type Result struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Output     string `json:"output,omitempty"`
	Err        string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Success reports whether the call completed without an error payload.
func (r Result) Success() bool { return r.Err == "" }

// Text returns the content to fold back into conversation history. The
// model sees errors as data so it can react to them.
func (r Result) Text() string {
	if r.Err != "" {
		return "Error: " + r.Err
	}
	return r.Output
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any previous tool with
// the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// AgentFor returns the routing identity that owns the named tool.
// Unknown tools route to DefaultAgent.
func (r *Registry) AgentFor(name string) string {
	if t := r.tools[name]; t != nil && t.Agent != "" {
		return t.Agent
	}
	return DefaultAgent
}

// List returns all tool definitions for the model, in registration order.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs the requested tool and always returns a Result. Handler
// errors and panics become the Result's error payload; they never
// propagate past this boundary.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (res Result) {
	start := time.Now()
	res = Result{CallID: call.CallID, Name: call.Name}

	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		if rec := recover(); rec != nil {
			// A panicking tool must not take the loop down with it.
			r.logger.Error("tool panicked", "tool", call.Name, "panic", rec)
			res.Output = ""
			res.Err = fmt.Sprintf("tool %s panicked: %v", call.Name, rec)
		}
	}()

	tool := r.tools[call.Name]
	if tool == nil {
		res.Err = (&ErrToolUnavailable{ToolName: call.Name}).Error()
		return res
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Output = out
	return res
}
