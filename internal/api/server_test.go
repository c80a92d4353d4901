package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkrall/castellan/internal/events"
	"github.com/mkrall/castellan/internal/ledger"
	"github.com/mkrall/castellan/internal/orchestrator"
)

// stubRunner plays back a fixed event sequence.
type stubRunner struct {
	events  []events.Event
	lastReq orchestrator.Request
}

func (r *stubRunner) Run(_ context.Context, req orchestrator.Request, stream *events.Stream) {
	r.lastReq = req
	for _, e := range r.events {
		stream.Emit(e)
	}
}

func testServer(t *testing.T, runner Runner) (*Server, *ledger.Store) {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"), 5)
	if err != nil {
		t.Fatalf("ledger.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewServer(Options{
		Loop:      runner,
		Ledger:    store,
		Bus:       events.NewBus(),
		Heartbeat: time.Hour, // keep heartbeats out of deterministic tests
	}), store
}

// sseEvent is one parsed frame from an SSE body.
type sseEvent struct {
	name string
	data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		if ev.name == "" {
			t.Fatalf("frame without event name: %q", frame)
		}
		out = append(out, ev)
	}
	return out
}

func TestInteractions_StreamsEvents(t *testing.T) {
	ok := true
	runner := &stubRunner{events: []events.Event{
		{Kind: events.KindTextDelta, Delta: "Hello", Cumulative: "Hello"},
		{Kind: events.KindToolStart, Tool: "get_events_direct", Agent: "scheduler"},
		{Kind: events.KindToolComplete, Tool: "get_events_direct", Agent: "scheduler", Success: &ok},
		{Kind: events.KindDone, ConversationID: "conv-1", FinalText: "Hello"},
	}}
	s, _ := testServer(t, runner)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/interactions", "application/json",
		strings.NewReader(`{"userId":"alice","message":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	parsed := parseSSE(t, string(body))
	var names []string
	for _, e := range parsed {
		names = append(names, e.name)
	}
	want := []string{"text_delta", "tool_start", "tool_complete", "done"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}

	last := parsed[len(parsed)-1]
	if last.data["finalText"] != "Hello" || last.data["conversationId"] != "conv-1" {
		t.Errorf("done data = %v", last.data)
	}

	if runner.lastReq.UserID != "alice" || runner.lastReq.Message != "hi" {
		t.Errorf("loop request = %+v", runner.lastReq)
	}
}

func TestInteractions_Heartbeats(t *testing.T) {
	runner := &stubRunner{events: []events.Event{
		{Kind: events.KindDone, FinalText: "done"},
	}}
	s, _ := testServer(t, runner)
	s.heartbeat = 10 * time.Millisecond

	// Delay the loop so heartbeats fire first.
	slow := &slowRunner{inner: runner, delay: 100 * time.Millisecond}
	s.loop = slow

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/interactions", "application/json",
		strings.NewReader(`{"userId":"alice","message":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	parsed := parseSSE(t, string(body))

	var heartbeats int
	for _, e := range parsed {
		if e.name == "heartbeat" {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Error("no heartbeat frames before the loop finished")
	}
	if parsed[len(parsed)-1].name != "done" {
		t.Errorf("last frame = %q, want done", parsed[len(parsed)-1].name)
	}
}

type slowRunner struct {
	inner Runner
	delay time.Duration
}

func (r *slowRunner) Run(ctx context.Context, req orchestrator.Request, stream *events.Stream) {
	time.Sleep(r.delay)
	r.inner.Run(ctx, req, stream)
}

func TestInteractions_Validation(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cases := []string{
		`not json`,
		`{"message":"hi"}`,
		`{"userId":"alice"}`,
	}
	for _, body := range cases {
		resp, err := http.Post(ts.URL+"/v1/interactions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	resp2, err := http.Get(ts.URL + "/v1/version")
	if err != nil {
		t.Fatalf("GET /v1/version: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("version status = %d", resp2.StatusCode)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	s, store := testServer(t, &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if err := store.Grant(context.Background(), "alice", "", 7); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/ledger/alice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var b ledger.Balance
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.UserID != "alice" || b.Balance != 7 {
		t.Errorf("balance = %+v", b)
	}
}

func TestUsageSummaryEndpoint(t *testing.T) {
	s, store := testServer(t, &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	txn, err := store.Begin(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Commit(context.Background(), ledger.Usage{InputTokens: 100, ModelCalls: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/usage/summary?user=alice&hours=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var sum map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum["committed"] != float64(1) {
		t.Errorf("summary = %v", sum)
	}

	resp2, err := http.Get(ts.URL + "/v1/usage/summary?hours=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus hours status = %d, want 400", resp2.StatusCode)
	}
}

func TestEventsWS_DeliversOpsEvents(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription happens on upgrade; give the handler a beat to get
	// there before publishing.
	time.Sleep(50 * time.Millisecond)
	s.bus.Publish(events.OpsEvent{Source: events.SourceLoop, Kind: events.OpsInteractionStart,
		Data: map[string]any{"interaction_id": "i-1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.OpsEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != events.OpsInteractionStart || got.Source != events.SourceLoop {
		t.Errorf("event = %+v", got)
	}
}
