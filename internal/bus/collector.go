package bus

import "sync"

// Collector accumulates session events for one prompt cycle. Tool events are
// deduplicated by toolCallId preserving first occurrence; assistant text is
// taken from the last assistant message_end. Safe for concurrent use — runtime
// sessions may emit from their own goroutines.
type Collector struct {
	mu            sync.Mutex
	toolEvents    []SessionEvent
	seenToolCalls map[string]bool
	assistantText string
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{seenToolCalls: make(map[string]bool)}
}

// Handle consumes one session event. Intended to be passed to a session
// Subscribe call.
func (c *Collector) Handle(ev SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case EventToolExecutionEnd:
		if ev.ToolCallID != "" && c.seenToolCalls[ev.ToolCallID] {
			return
		}
		if ev.ToolCallID != "" {
			c.seenToolCalls[ev.ToolCallID] = true
		}
		c.toolEvents = append(c.toolEvents, ev)

	case EventMessageEnd:
		if ev.Role == "assistant" {
			c.assistantText = ev.Text
		}
	}
}

// ToolEvents returns the deduplicated tool events in arrival order.
func (c *Collector) ToolEvents() []SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionEvent, len(c.toolEvents))
	copy(out, c.toolEvents)
	return out
}

// AssistantText returns the final assistant message text, or "" if the prompt
// produced none.
func (c *Collector) AssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assistantText
}
