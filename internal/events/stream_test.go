package events

import "testing"

func TestStream_OrderPreserved(t *testing.T) {
	s := NewStream(8)

	kinds := []Kind{KindToolStart, KindToolComplete, KindTextDelta, KindDone}
	for _, k := range kinds {
		if !s.Emit(Event{Kind: k}) {
			t.Fatalf("Emit(%s): unexpectedly dropped", k)
		}
	}

	var got []Kind
	for e := range s.Events() {
		got = append(got, e.Kind)
	}

	if len(got) != len(kinds) {
		t.Fatalf("received %d events, want %d", len(got), len(kinds))
	}
	for i, k := range kinds {
		if got[i] != k {
			t.Errorf("event %d = %s, want %s", i, got[i], k)
		}
	}
}

func TestStream_ClosesOnTerminal(t *testing.T) {
	s := NewStream(4)

	s.Emit(Event{Kind: KindDone, FinalText: "ok"})

	if s.Emit(Event{Kind: KindTextDelta, Delta: "late"}) {
		t.Error("Emit after terminal: expected drop")
	}
	if s.Emit(Event{Kind: KindError, Message: "late"}) {
		t.Error("second terminal Emit: expected drop")
	}

	var got []Event
	for e := range s.Events() {
		got = append(got, e)
	}
	if len(got) != 1 {
		t.Fatalf("received %d events, want exactly the terminal one", len(got))
	}
	if got[0].Kind != KindDone || got[0].FinalText != "ok" {
		t.Errorf("terminal event = %+v", got[0])
	}
}

func TestBus_PublishFanout(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(OpsEvent{Source: SourceLoop, Kind: OpsModelCall})

	e := <-ch
	if e.Source != SourceLoop || e.Kind != OpsModelCall {
		t.Errorf("event = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("Publish should stamp a timestamp")
	}
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	b.Publish(OpsEvent{Kind: OpsToolCall}) // must not panic
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount on nil bus = %d", n)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Second publish overflows the buffer; it must drop, not block.
	b.Publish(OpsEvent{Kind: OpsToolCall})
	b.Publish(OpsEvent{Kind: OpsToolDone})

	if got := <-ch; got.Kind != OpsToolCall {
		t.Errorf("kind = %s, want %s", got.Kind, OpsToolCall)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second event %+v", e)
	default:
	}
}
