// Package runtime manages agent runtimes: the supervisor abstraction the
// orchestrator prompts against, a pluggable factory registry, and a pool
// enforcing capacity and idle-TTL policies.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brewva/brewva/internal/bus"
)

var (
	// ErrCapacityExhausted is returned when the pool is full and no idle
	// runtime can be reclaimed.
	ErrCapacityExhausted = errors.New("runtime_capacity_exhausted")

	// ErrRuntimeUnavailable is returned when a runtime or session cannot be
	// opened.
	ErrRuntimeUnavailable = errors.New("runtime_unavailable")
)

// Session is one conversation with an agent runtime. Prompts are serialized
// by the caller; a session processes one prompt at a time.
type Session interface {
	ID() string
	// SendUserMessage submits a prompt. Events stream to subscribers.
	SendUserMessage(ctx context.Context, text string) error
	// WaitForIdle blocks until the session has no prompt in flight.
	WaitForIdle(ctx context.Context) error
	// Subscribe registers an event handler and returns its unsubscribe func.
	Subscribe(handler func(bus.SessionEvent)) func()
	Close() error
}

// Runtime is one live agent supervisor hosting any number of sessions.
type Runtime interface {
	AgentID() string
	OpenSession(ctx context.Context, sessionID string) (Session, error)
	Close(ctx context.Context) error
}

// Factory builds a runtime for an agent from its merged config.
type Factory func(ctx context.Context, agentID string, cfg map[string]any) (Runtime, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory installs a runtime factory under a kind name.
// Registering the same kind twice panics.
func RegisterFactory(kind string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("runtime: duplicate factory kind " + kind)
	}
	factories[kind] = f
}

// LookupFactory resolves a registered factory by kind.
func LookupFactory(kind string) (Factory, error) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unresolvable supervisor kind %q", kind)
	}
	return f, nil
}
