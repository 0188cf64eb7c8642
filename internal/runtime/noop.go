package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/brewva/brewva/internal/bus"
)

func init() {
	RegisterFactory("noop", func(_ context.Context, agentID string, _ map[string]any) (Runtime, error) {
		return &noopRuntime{agentID: agentID}, nil
	})
}

// noopRuntime echoes prompts back as assistant text. It keeps the pool,
// orchestrator, and tests runnable without a real supervisor attached.
type noopRuntime struct {
	agentID string

	mu       sync.Mutex
	sessions map[string]*noopSession
	closed   bool
}

func (r *noopRuntime) AgentID() string { return r.agentID }

func (r *noopRuntime) OpenSession(_ context.Context, sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: runtime for %s is closed", ErrRuntimeUnavailable, r.agentID)
	}
	if r.sessions == nil {
		r.sessions = make(map[string]*noopSession)
	}
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	s := &noopSession{id: sessionID, agentID: r.agentID, handlers: make(map[int]func(bus.SessionEvent))}
	r.sessions[sessionID] = s
	return s, nil
}

func (r *noopRuntime) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		s.Close()
	}
	r.sessions = nil
	return nil
}

type noopSession struct {
	id      string
	agentID string

	mu       sync.Mutex
	nextSub  int
	handlers map[int]func(bus.SessionEvent)
	closed   bool
}

func (s *noopSession) ID() string { return s.id }

func (s *noopSession) SendUserMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is closed", ErrRuntimeUnavailable, s.id)
	}
	handlers := make([]func(bus.SessionEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	ev := bus.SessionEvent{
		Type: bus.EventMessageEnd,
		Role: "assistant",
		Text: fmt.Sprintf("[%s] %s", s.agentID, text),
	}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (s *noopSession) WaitForIdle(ctx context.Context) error { return ctx.Err() }

func (s *noopSession) Subscribe(handler func(bus.SessionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *noopSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handlers = map[int]func(bus.SessionEvent){}
	return nil
}
