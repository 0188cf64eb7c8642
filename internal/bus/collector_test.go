package bus

import "testing"

func TestCollector_DedupesToolEventsByCallID(t *testing.T) {
	c := NewCollector()
	c.Handle(SessionEvent{Type: EventToolExecutionEnd, ToolCallID: "t1", ToolName: "read_file"})
	c.Handle(SessionEvent{Type: EventToolExecutionEnd, ToolCallID: "t2", ToolName: "exec"})
	c.Handle(SessionEvent{Type: EventToolExecutionEnd, ToolCallID: "t1", ToolName: "read_file"})

	events := c.ToolEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 deduplicated tool events, got %d", len(events))
	}
	if events[0].ToolCallID != "t1" || events[1].ToolCallID != "t2" {
		t.Errorf("tool event order not preserved: %+v", events)
	}
}

func TestCollector_AssistantTextFromLastMessageEnd(t *testing.T) {
	c := NewCollector()
	c.Handle(SessionEvent{Type: EventMessageEnd, Role: "tool", Text: "ignored"})
	c.Handle(SessionEvent{Type: EventMessageEnd, Role: "assistant", Text: "first"})
	c.Handle(SessionEvent{Type: EventMessageEnd, Role: "assistant", Text: "final"})

	if got := c.AssistantText(); got != "final" {
		t.Errorf("AssistantText() = %q, want %q", got, "final")
	}
}

func TestCollector_EmptyToolCallIDNotDeduped(t *testing.T) {
	c := NewCollector()
	c.Handle(SessionEvent{Type: EventToolExecutionEnd, ToolName: "a"})
	c.Handle(SessionEvent{Type: EventToolExecutionEnd, ToolName: "b"})

	if got := len(c.ToolEvents()); got != 2 {
		t.Errorf("expected 2 events without call ids, got %d", got)
	}
}

func TestPublisher_SubscribeBroadcastUnsubscribe(t *testing.T) {
	p := NewPublisher()
	var got []string
	p.Subscribe("t", func(ev Event) { got = append(got, ev.Name) })

	p.Broadcast(Event{Name: "channel_turn_outbound_error"})
	p.Unsubscribe("t")
	p.Broadcast(Event{Name: "dropped"})

	if len(got) != 1 || got[0] != "channel_turn_outbound_error" {
		t.Errorf("broadcast delivery = %v, want single channel_turn_outbound_error", got)
	}
}
