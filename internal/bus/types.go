// Package bus defines the typed event streams that decouple the channel
// orchestrator from the agent runtime: session events emitted while a prompt
// executes, and process-level orchestrator events for observability.
package bus

import "sync"

// SessionEventType identifies a session event.
type SessionEventType string

const (
	// EventToolExecutionEnd fires when a tool call finishes inside a prompt run.
	EventToolExecutionEnd SessionEventType = "tool_execution_end"
	// EventMessageEnd fires when a message completes. Role distinguishes
	// assistant output from other message kinds.
	EventMessageEnd SessionEventType = "message_end"
)

// SessionEvent is one event from a runtime session's prompt cycle.
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	Role       string           `json:"role,omitempty"` // for message_end: "assistant", "tool", ...
	Text       string           `json:"text,omitempty"`
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolName   string           `json:"toolName,omitempty"`
	Payload    string           `json:"payload,omitempty"` // tool result summary, JSON or plain text
}

// Event is a process-level orchestrator event (outbound errors, store
// persistence failures, eviction decisions). Consumers are best-effort.
type Event struct {
	Name    string            `json:"name"`
	Payload map[string]string `json:"payload,omitempty"`
}

// EventHandler handles a broadcast orchestrator event.
type EventHandler func(Event)

// Publisher is a minimal in-process fan-out for orchestrator events.
// Safe for concurrent use.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewPublisher creates an empty event publisher.
func NewPublisher() *Publisher {
	return &Publisher{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler.
func (p *Publisher) Subscribe(id string, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Broadcast delivers the event to all subscribers synchronously.
func (p *Publisher) Broadcast(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.handlers {
		h(event)
	}
}
