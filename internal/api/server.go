// Package api implements the HTTP surface: the SSE interaction
// endpoint, ledger and usage queries, and the WebSocket ops feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mkrall/castellan/internal/buildinfo"
	"github.com/mkrall/castellan/internal/events"
	"github.com/mkrall/castellan/internal/ledger"
	"github.com/mkrall/castellan/internal/orchestrator"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs one interaction onto a stream. Satisfied by
// *orchestrator.Loop.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, stream *events.Stream)
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	loop      Runner
	ledger    *ledger.Store
	bus       *events.Bus
	logger    *slog.Logger
	heartbeat time.Duration
	server    *http.Server
}

// Options configures a Server.
type Options struct {
	Address string
	Port    int
	Loop    Runner
	Ledger  *ledger.Store
	Bus     *events.Bus
	Logger  *slog.Logger
	// Heartbeat is the SSE keepalive period. Zero means 15s.
	Heartbeat time.Duration
}

// NewServer creates an API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{
		address:   opts.Address,
		port:      opts.Port,
		loop:      opts.Loop,
		ledger:    opts.Ledger,
		bus:       opts.Bus,
		logger:    opts.Logger,
		heartbeat: opts.Heartbeat,
	}
}

// Handler returns the server's route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/interactions", s.handleInteractions)
	mux.HandleFunc("GET /v1/ledger/{userId}", s.handleLedger)
	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)
	mux.HandleFunc("GET /v1/events", s.handleEventsWS)

	return s.withLogging(mux)
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses are open-ended. Write deadlines
		// are managed per-event on the streaming handler.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Castellan",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "userId is required")
		return
	}

	b, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.logger.Error("balance query failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "ledger error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, b, s.logger)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-time.Duration(hours) * time.Hour)
	sum, err := s.ledger.UsageSummary(r.Context(), userID, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "ledger error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"user":              userID,
		"windowHours":       hours,
		"totalInteractions": sum.TotalInteractions,
		"committed":         sum.TotalCommitted,
		"rolledBack":        sum.TotalRolledBack,
		"inputTokens":       sum.TotalInputTokens,
		"outputTokens":      sum.TotalOutputTokens,
		"modelCalls":        sum.TotalModelCalls,
		"toolCalls":         sum.TotalToolCalls,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
