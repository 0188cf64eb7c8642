package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PoolOptions configure a runtime pool.
type PoolOptions struct {
	Kind       string // registered factory kind
	MaxLive    int    // max concurrently live runtimes (0 = unbounded)
	IdleTTL    time.Duration
	AgentsDir  string
	BaseConfig map[string]any
}

// Handle is a pooled runtime with its usage bookkeeping.
type Handle struct {
	Runtime Runtime

	mu         sync.Mutex
	refs       int
	lastUsedAt time.Time
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsedAt = time.Now()
	h.mu.Unlock()
}

func (h *Handle) snapshot() (refs int, lastUsed time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs, h.lastUsedAt
}

// Pool owns live runtimes, one per agent. Safe for concurrent use.
type Pool struct {
	opts     PoolOptions
	factory  Factory
	overlays *OverlayCache

	mu       sync.Mutex
	handles  map[string]*Handle
	reserved int // creation slots held while factory calls run
	group    singleflight.Group
}

// NewPool builds a pool for the configured supervisor kind. An unknown kind
// is a boot error.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Kind == "" {
		opts.Kind = "noop"
	}
	factory, err := LookupFactory(opts.Kind)
	if err != nil {
		return nil, err
	}
	return &Pool{
		opts:     opts,
		factory:  factory,
		overlays: NewOverlayCache(opts.AgentsDir),
		handles:  make(map[string]*Handle),
	}, nil
}

// GetOrCreate returns the live runtime for an agent, creating it on first
// use. Concurrent creation for the same agent is collapsed into one call.
// When the pool is full and nothing idle can be reclaimed it fails with
// ErrCapacityExhausted.
func (p *Pool) GetOrCreate(ctx context.Context, agentID string) (*Handle, error) {
	p.mu.Lock()
	if h, ok := p.handles[agentID]; ok {
		h.touch()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(agentID, func() (any, error) {
		p.mu.Lock()
		if h, ok := p.handles[agentID]; ok {
			p.mu.Unlock()
			return h, nil
		}
		// Reserve the slot before releasing the lock for the slow factory
		// call. The reservation counts against MaxLive, so a concurrent
		// create for a different agent sees the pool as full.
		if err := p.reclaimLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.reserved++
		p.mu.Unlock()

		cfg := p.agentConfig(agentID)
		rt, err := p.factory(ctx, agentID, cfg)

		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: create runtime for %s: %v", ErrRuntimeUnavailable, agentID, err)
		}
		h := &Handle{Runtime: rt, lastUsedAt: time.Now()}
		p.handles[agentID] = h
		p.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	h.touch()
	return h, nil
}

// agentConfig merges the controller base config with the agent's overlay and
// forces per-agent path namespacing.
func (p *Pool) agentConfig(agentID string) map[string]any {
	cfg := DeepMerge(p.opts.BaseConfig, p.overlays.Load(agentID))
	stateDir := filepath.Join(p.opts.AgentsDir, agentID, "state")
	return ForceNamespacing(cfg, stateDir)
}

// reclaimLocked frees capacity before a create. Candidates are handles with
// zero refs, disposed oldest-first until under cap. Reserved slots count as
// live, so the cap holds while factory calls are in flight.
func (p *Pool) reclaimLocked(ctx context.Context) error {
	if p.opts.MaxLive <= 0 || len(p.handles)+p.reserved < p.opts.MaxLive {
		return nil
	}

	type idle struct {
		agentID  string
		lastUsed time.Time
	}
	var candidates []idle
	for id, h := range p.handles {
		refs, lastUsed := h.snapshot()
		if refs == 0 {
			candidates = append(candidates, idle{agentID: id, lastUsed: lastUsed})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastUsed.Equal(candidates[j].lastUsed) {
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		}
		return candidates[i].agentID < candidates[j].agentID
	})

	for _, c := range candidates {
		if len(p.handles)+p.reserved < p.opts.MaxLive {
			break
		}
		p.disposeLocked(ctx, c.agentID)
	}
	if len(p.handles)+p.reserved >= p.opts.MaxLive {
		return fmt.Errorf("%w: %d live runtimes", ErrCapacityExhausted, len(p.handles)+p.reserved)
	}
	return nil
}

func (p *Pool) disposeLocked(ctx context.Context, agentID string) {
	h, ok := p.handles[agentID]
	if !ok {
		return
	}
	delete(p.handles, agentID)
	if err := h.Runtime.Close(ctx); err != nil {
		slog.Warn("runtime close failed", "agent", agentID, "error", err)
	}
}

// Retain bumps the session refcount for an agent's runtime.
func (p *Pool) Retain(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[agentID]; ok {
		h.mu.Lock()
		h.refs++
		h.lastUsedAt = time.Now()
		h.mu.Unlock()
	}
}

// Release drops a session reference.
func (p *Pool) Release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[agentID]; ok {
		h.mu.Lock()
		if h.refs > 0 {
			h.refs--
		}
		h.lastUsedAt = time.Now()
		h.mu.Unlock()
	}
}

// Touch refreshes an agent runtime's last-used time.
func (p *Pool) Touch(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[agentID]; ok {
		h.touch()
	}
}

// Evict disposes an agent's runtime regardless of idle state. The caller is
// responsible for draining its sessions first.
func (p *Pool) Evict(ctx context.Context, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposeLocked(ctx, agentID)
}

// Sweep disposes handles with zero refs idle for at least the pool's TTL.
// Returns the evicted agent ids.
func (p *Pool) Sweep(ctx context.Context) []string {
	if p.opts.IdleTTL <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var evicted []string
	for id, h := range p.handles {
		refs, lastUsed := h.snapshot()
		if refs == 0 && now.Sub(lastUsed) >= p.opts.IdleTTL {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		p.disposeLocked(ctx, id)
	}
	return evicted
}

// StartSweeper runs Sweep on a ticker until ctx is done.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := p.Sweep(ctx); len(evicted) > 0 {
					slog.Debug("idle runtimes evicted", "agents", evicted)
				}
			}
		}
	}()
}

// Live returns the number of live runtimes.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// LiveAgentIDs returns the ids of agents with live runtimes, sorted.
func (p *Pool) LiveAgentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disposes every runtime and stops the overlay watcher.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	for _, id := range ids {
		p.disposeLocked(ctx, id)
	}
	p.mu.Unlock()
	p.overlays.Close()
}
