package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkrall/castellan/internal/events"
	"github.com/mkrall/castellan/internal/llm"
	"github.com/mkrall/castellan/internal/orchestrator"
)

// writeDeadlineSlack is how far ahead the write deadline is pushed
// after every SSE write, so long tool batches never trip a timeout
// while heartbeats keep flowing.
const writeDeadlineSlack = 120 * time.Second

// InteractionRequest is the POST /v1/interactions body.
type InteractionRequest struct {
	UserID         string        `json:"userId"`
	Email          string        `json:"email,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Message        string        `json:"message"`
	History        []llm.Message `json:"history,omitempty"`
}

// handleInteractions runs one interaction and streams its events as
// SSE. The event name is the stream event's kind; heartbeats are
// inserted by this transport, never by the loop.
func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The loop's context follows the client connection, so a disconnect
	// cancels in-flight model calls. Ledger settlement inside the loop
	// detaches itself from this cancellation.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := events.NewStream(0)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop.Run(ctx, orchestrator.Request{
			UserID:         req.UserID,
			Email:          req.Email,
			ConversationID: req.ConversationID,
			History:        req.History,
			Message:        req.Message,
		}, stream)
	}()

	rc := http.NewResponseController(w)
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, open := <-stream.Events():
			if !open {
				<-loopDone
				return
			}
			s.writeSSE(w, e)
			flusher.Flush()
			s.resetWriteDeadline(rc)

		case <-heartbeat.C:
			s.writeSSE(w, events.Event{Kind: events.KindHeartbeat})
			flusher.Flush()
			s.resetWriteDeadline(rc)

		case <-ctx.Done():
			s.logger.Info("client disconnected mid-interaction", "user_id", req.UserID)
			// Unblock the loop and let it settle; its remaining events
			// have nowhere to go.
			for range stream.Events() {
			}
			<-loopDone
			return
		}
	}
}

// writeSSE frames one event as "event: <kind>" plus a JSON data line.
func (s *Server) writeSSE(w http.ResponseWriter, e events.Event) {
	var data []byte
	if e.Kind == events.KindHeartbeat {
		data = []byte(fmt.Sprintf(`{"ts":%q}`, time.Now().UTC().Format(time.RFC3339)))
	} else {
		var err error
		data, err = json.Marshal(e)
		if err != nil {
			s.logger.Debug("failed to marshal SSE event", "kind", e.Kind, "error", err)
			return
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		s.logger.Debug("failed to write SSE event", "kind", e.Kind, "error", err)
	}
}

func (s *Server) resetWriteDeadline(rc *http.ResponseController) {
	if err := rc.SetWriteDeadline(time.Now().Add(writeDeadlineSlack)); err != nil {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
}
