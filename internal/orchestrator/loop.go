// Package orchestrator runs the conversational core: a bounded loop of
// model calls and tool executions that turns one user message into a
// stream of events ending in exactly one done or error.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkrall/castellan/internal/conflict"
	"github.com/mkrall/castellan/internal/events"
	"github.com/mkrall/castellan/internal/ledger"
	"github.com/mkrall/castellan/internal/llm"
	"github.com/mkrall/castellan/internal/memory"
	"github.com/mkrall/castellan/internal/tools"
)

const defaultMaxIterations = 10

// apologyText is the fallback when the iteration budget runs out and
// even the forced text call fails.
const apologyText = "I'm sorry, I wasn't able to finish that request. Could you try rephrasing it, or break it into smaller steps?"

// Request is one user turn to run through the loop.
type Request struct {
	UserID         string
	Email          string
	ConversationID string
	// History is the prior conversation, oldest first, without the new
	// message.
	History []llm.Message
	Message string
}

// Loop is the orchestration engine. One Loop serves many concurrent
// interactions; all per-interaction state lives on the stack of Run.
type Loop struct {
	gateway      llm.Gateway
	registry     *tools.Registry
	ledger       *ledger.Store
	bus          *events.Bus
	logger       *slog.Logger
	systemPrompt string
	model        string

	maxIterations int
	modelTimeout  time.Duration
}

// Options configures a Loop.
type Options struct {
	Gateway      llm.Gateway
	Registry     *tools.Registry
	Ledger       *ledger.Store
	Bus          *events.Bus
	Logger       *slog.Logger
	SystemPrompt string
	// Model is recorded on usage records; the gateway owns the actual
	// model selection.
	Model string
	// MaxIterations caps model-call rounds. Zero means the default of 10.
	MaxIterations int
	// ModelTimeout bounds one model call. Zero disables the bound.
	ModelTimeout time.Duration
}

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		gateway:       opts.Gateway,
		registry:      opts.Registry,
		ledger:        opts.Ledger,
		bus:           opts.Bus,
		logger:        opts.Logger,
		systemPrompt:  opts.SystemPrompt,
		model:         opts.Model,
		maxIterations: opts.MaxIterations,
		modelTimeout:  opts.ModelTimeout,
	}
}

// run tracks the mutable state of one interaction.
type run struct {
	interactionID  string
	conversationID string
	model          string
	startedAt      time.Time

	history      []llm.Message
	currentAgent string

	modelCalls   int
	inputTokens  int
	outputTokens int
	toolStats    []events.ToolStat
}

func (r *run) usage() ledger.Usage {
	return ledger.Usage{
		ConversationID: r.conversationID,
		Model:          r.model,
		InputTokens:    r.inputTokens,
		OutputTokens:   r.outputTokens,
		ModelCalls:     r.modelCalls,
		ToolCalls:      len(r.toolStats),
		DurationMs:     time.Since(r.startedAt).Milliseconds(),
	}
}

// Run executes one interaction and emits its events onto stream. It
// always finishes the stream with exactly one terminal event and never
// returns an error: failures are events. Run blocks until the
// interaction settles; callers run it on its own goroutine.
func (l *Loop) Run(ctx context.Context, req Request, stream *events.Stream) {
	r := &run{
		conversationID: req.ConversationID,
		model:          l.model,
		startedAt:      time.Now(),
		currentAgent:   tools.DefaultAgent,
	}
	if r.conversationID == "" {
		if id, err := uuid.NewV7(); err == nil {
			r.conversationID = id.String()
		}
	}

	log := l.logger.With("conversation_id", r.conversationID, "user_id", req.UserID)

	txn, err := l.ledger.Begin(ctx, req.UserID, req.Email)
	if err != nil {
		log.Error("ledger begin failed", "error", err)
		stream.Emit(events.Event{Kind: events.KindError, Code: events.CodeInternal,
			Message: "could not start the interaction"})
		return
	}
	r.interactionID = txn.ID

	// Settlement must survive client disconnects and always happen
	// exactly once; the explicit commit below wins when it runs first.
	settleCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := txn.Rollback(settleCtx, r.usage()); err == nil {
			l.publishSettled(req.UserID, ledger.OutcomeRolledBack)
		} else if !errors.Is(err, ledger.ErrAlreadySettled) {
			log.Error("ledger rollback failed", "error", err)
		}
	}()

	l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsInteractionStart,
		Data: map[string]any{"interaction_id": r.interactionID, "user_id": req.UserID,
			"conversation_id": r.conversationID}})
	defer func() {
		l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsInteractionComplete,
			Data: map[string]any{"interaction_id": r.interactionID, "iterations": r.modelCalls,
				"elapsed_ms": time.Since(r.startedAt).Milliseconds()}})
	}()

	if !txn.HasCredits {
		log.Info("interaction denied", "reason", "no credits")
		stream.Emit(events.Event{Kind: events.KindError, Code: events.CodeNoCredits,
			Message: "You have no credits remaining."})
		return
	}

	if l.systemPrompt != "" {
		r.history = append(r.history, llm.Message{Role: "system", Content: l.systemPrompt})
	}
	r.history = append(r.history, req.History...)
	r.history = append(r.history, llm.Message{Role: "user", Content: req.Message})

	toolCtx := tools.WithUserID(ctx, req.UserID)
	toolCtx = tools.WithConversationID(toolCtx, r.conversationID)
	toolCtx = tools.WithInteractionID(toolCtx, r.interactionID)

	toolDefs := l.registry.List()

	for iter := 1; iter <= l.maxIterations; iter++ {
		resp, gate, err := l.callModel(ctx, r, toolDefs, stream, iter)
		if err != nil {
			l.emitModelError(stream, log, err)
			return
		}

		if !resp.HasToolCalls() {
			gate.Flush()
			l.finishWithText(settleCtx, stream, log, txn, r, resp.Text)
			return
		}

		// Intermixed text is commentary: already streamed live through
		// the gate, not folded into history.
		gate.Flush()

		r.history = append(r.history, llm.Message{Role: "assistant", ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			result, stop := l.runTool(toolCtx, stream, log, r, call)
			if stop {
				// Conflict: close out awaiting user confirmation, and
				// return the credit since nothing was accomplished yet.
				payload, msg, _ := conflict.Decode(result.Output)
				l.finishWithConflict(settleCtx, stream, log, txn, r, payload, msg)
				return
			}
			r.history = append(r.history, llm.Message{
				Role:       "tool",
				ToolCallID: call.CallID,
				Content:    tools.BoundForHistory(result.Text()),
			})
		}
	}

	// Budget exhausted: one last call without tools so the user still
	// gets an answer.
	log.Warn("iteration budget exhausted", "max_iterations", l.maxIterations)
	l.forceTextResponse(ctx, settleCtx, stream, log, txn, r)
}

func (l *Loop) callModel(ctx context.Context, r *run, toolDefs []map[string]any, stream *events.Stream, iter int) (*llm.Response, *deltaGate, error) {
	l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsModelCall,
		Data: map[string]any{"interaction_id": r.interactionID, "iter": iter}})

	callCtx := ctx
	if l.modelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.modelTimeout)
		defer cancel()
	}

	gate := newDeltaGate(stream)
	resp, err := l.gateway.Send(callCtx, r.history, toolDefs, gate.OnDelta)
	if err != nil {
		return nil, gate, err
	}

	r.modelCalls++
	r.inputTokens += resp.InputTokens
	r.outputTokens += resp.OutputTokens

	l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsModelResponse,
		Data: map[string]any{"interaction_id": r.interactionID, "iter": iter,
			"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.ToolCalls)}})

	return resp, gate, nil
}

// runTool executes one tool call with its lifecycle events. stop is
// true when the result carries a conflict envelope and the loop must
// hand control back to the user.
func (l *Loop) runTool(ctx context.Context, stream *events.Stream, log *slog.Logger, r *run, call llm.ToolCall) (tools.Result, bool) {
	agent := l.registry.AgentFor(call.Name)
	if agent != r.currentAgent {
		stream.Emit(events.Event{Kind: events.KindAgentSwitch, From: r.currentAgent, To: agent})
		r.currentAgent = agent
	}

	stream.Emit(events.Event{Kind: events.KindToolStart, Tool: call.Name, Agent: agent})
	l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsToolCall,
		Data: map[string]any{"interaction_id": r.interactionID, "tool": call.Name}})

	result := l.registry.Execute(ctx, call)

	ok := result.Success()
	stream.Emit(events.Event{Kind: events.KindToolComplete, Tool: call.Name, Agent: agent, Success: &ok})
	l.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsToolDone,
		Data: map[string]any{"interaction_id": r.interactionID, "tool": call.Name,
			"ok": ok, "duration_ms": result.DurationMs}})
	if !ok {
		log.Warn("tool failed", "tool", call.Name, "error", result.Err)
	}

	conflicted := ok && conflict.Contains(result.Output)

	stat := events.ToolStat{Name: result.Name, Success: ok, DurationMs: result.DurationMs}
	// The raw envelope must never reach the client, not even inside the
	// done event's tool stats; the conflict surfaces through the done
	// event's structured fields instead.
	if out, keep := tools.Slim(result.Name, result.Output); keep && !conflicted {
		stat.Output = out
	}
	r.toolStats = append(r.toolStats, stat)

	if ok && call.Name == "remember" {
		var outcome memory.RememberOutcome
		if err := json.Unmarshal([]byte(result.Output), &outcome); err == nil {
			stream.Emit(events.Event{Kind: events.KindMemoryUpdated,
				Action: outcome.Action, Preview: outcome.Preview})
		}
	}

	return result, conflicted
}

func (l *Loop) finishWithText(settleCtx context.Context, stream *events.Stream, log *slog.Logger, txn *ledger.Transaction, r *run, text string) {
	// The envelope can also surface in the model's own final text when
	// it echoes a tool result; the client must never see the raw form.
	// Malformed envelopes decode as no conflict and ship as plain text
	// on the done event (their deltas were withheld, the final text is
	// still delivered).
	if payload, msg, ok := conflict.Decode(text); ok {
		l.finishWithConflict(settleCtx, stream, log, txn, r, payload, msg)
		return
	}

	if text == "" {
		log.Error("model returned neither text nor tool calls")
		stream.Emit(events.Event{Kind: events.KindError, Code: events.CodeModelError,
			Message: "the model returned an empty response"})
		return
	}

	l.commit(settleCtx, log, txn, r)
	stream.Emit(events.Event{
		Kind:           events.KindDone,
		ConversationID: r.conversationID,
		FinalText:      text,
		ToolCalls:      r.toolStats,
		DurationMs:     time.Since(r.startedAt).Milliseconds(),
	})
	log.Info("interaction complete", "model_calls", r.modelCalls, "tool_calls", len(r.toolStats))
}

func (l *Loop) finishWithConflict(settleCtx context.Context, stream *events.Stream, log *slog.Logger, txn *ledger.Transaction, r *run, payload conflict.Payload, msg string) {
	if msg == "" {
		msg = "That time conflicts with an existing event. Should I schedule it anyway?"
	}

	var conflicts []any
	for _, ev := range payload.ConflictingEvents {
		conflicts = append(conflicts, ev)
	}

	// Nothing billable happened from the user's point of view, so the
	// credit goes back.
	if err := txn.Rollback(settleCtx, r.usage()); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		log.Error("ledger rollback failed", "error", err)
	} else {
		l.publishSettled(txn.UserID, ledger.OutcomeRolledBack)
	}

	stream.Emit(events.Event{
		Kind:                 events.KindDone,
		ConversationID:       r.conversationID,
		FinalText:            msg,
		ToolCalls:            r.toolStats,
		DurationMs:           time.Since(r.startedAt).Milliseconds(),
		RequiresConfirmation: true,
		Conflicts:            conflicts,
	})
	log.Info("interaction paused on conflict", "conflicts", len(conflicts))
}

// forceTextResponse makes a final model call without tools after the
// iteration budget runs out. The user always gets text: the model's
// summary if the call works, a fixed apology if not. Either way the
// interaction produced usable output, so the credit is consumed.
func (l *Loop) forceTextResponse(ctx, settleCtx context.Context, stream *events.Stream, log *slog.Logger, txn *ledger.Transaction, r *run) {
	r.history = append(r.history, llm.Message{Role: "user",
		Content: "Please summarize what you've found so far and answer as best you can without using any more tools."})

	resp, gate, err := l.callModel(ctx, r, nil, stream, l.maxIterations+1)
	if err != nil {
		log.Error("forced text response failed", "error", err)
		l.commit(settleCtx, log, txn, r)
		stream.Emit(events.Event{
			Kind:           events.KindDone,
			ConversationID: r.conversationID,
			FinalText:      apologyText,
			ToolCalls:      r.toolStats,
			DurationMs:     time.Since(r.startedAt).Milliseconds(),
		})
		return
	}

	gate.Flush()
	text := resp.Text
	if text == "" {
		text = apologyText
	}
	l.finishWithText(settleCtx, stream, log, txn, r, text)
}

func (l *Loop) commit(settleCtx context.Context, log *slog.Logger, txn *ledger.Transaction, r *run) {
	if err := txn.Commit(settleCtx, r.usage()); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		log.Error("ledger commit failed", "error", err)
		return
	}
	l.publishSettled(txn.UserID, ledger.OutcomeCommitted)
}

func (l *Loop) publishSettled(userID, outcome string) {
	l.bus.Publish(events.OpsEvent{Source: events.SourceLedger, Kind: events.OpsCreditSettled,
		Data: map[string]any{"user_id": userID, "state": outcome}})
}

func (l *Loop) emitModelError(stream *events.Stream, log *slog.Logger, err error) {
	code := events.CodeInternal
	msg := "the interaction failed"

	var modelErr *llm.ModelError
	switch {
	case errors.As(err, &modelErr):
		code = events.CodeModelError
		msg = "the model call failed"
		if modelErr.Retryable {
			msg = "the model is temporarily unavailable, please retry"
		}
	case errors.Is(err, context.DeadlineExceeded):
		code = events.CodeModelError
		msg = "the model call timed out"
	case errors.Is(err, context.Canceled):
		msg = "the interaction was canceled"
	}

	log.Error("model call failed", "error", err, "code", code)
	stream.Emit(events.Event{Kind: events.KindError, Code: code, Message: msg})
}
