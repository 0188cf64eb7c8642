package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brewva/brewva/internal/bus"
)

func newTestPool(t *testing.T, maxLive int) *Pool {
	t.Helper()
	p, err := NewPool(PoolOptions{
		Kind:      "noop",
		MaxLive:   maxLive,
		IdleTTL:   time.Minute,
		AgentsDir: t.TempDir(),
		BaseConfig: map[string]any{
			"model": "base/model",
		},
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestPool_GetOrCreateSharesHandle(t *testing.T) {
	p := newTestPool(t, 4)
	ctx := context.Background()

	h1, err := p.GetOrCreate(ctx, "jack")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p.GetOrCreate(ctx, "jack")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("same agent should share one handle")
	}
	if p.Live() != 1 {
		t.Errorf("live = %d, want 1", p.Live())
	}
}

func TestPool_ConcurrentCreateCollapses(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.GetOrCreate(ctx, "shared")
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(handles); i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent creates produced distinct handles")
		}
	}
	if p.Live() != 1 {
		t.Errorf("live = %d, want 1", p.Live())
	}
}

func TestPool_CapacityReclaimsIdleThenFails(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	// Both idle: creating a third reclaims the least recently used.
	p.Touch("b")
	if _, err := p.GetOrCreate(ctx, "c"); err != nil {
		t.Fatalf("create with idle reclaim failed: %v", err)
	}
	if p.Live() != 2 {
		t.Errorf("live = %d, want 2 after reclaim", p.Live())
	}

	// Pin everything: the pool never exceeds its cap.
	p.Retain("b")
	p.Retain("c")
	_, err := p.GetOrCreate(ctx, "d")
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("create over cap error = %v, want runtime_capacity_exhausted", err)
	}
	if p.Live() > 2 {
		t.Errorf("live = %d, cap is 2", p.Live())
	}

	// Releasing frees capacity again.
	p.Release("b")
	if _, err := p.GetOrCreate(ctx, "d"); err != nil {
		t.Fatalf("create after release failed: %v", err)
	}
}

var (
	heldFactoryEntered = make(chan struct{}, 1)
	heldFactoryRelease = make(chan struct{})
)

func init() {
	RegisterFactory("held", func(_ context.Context, agentID string, _ map[string]any) (Runtime, error) {
		heldFactoryEntered <- struct{}{}
		<-heldFactoryRelease
		return &noopRuntime{agentID: agentID}, nil
	})
}

func TestPool_ConcurrentCreateForDistinctAgentsHoldsCap(t *testing.T) {
	p, err := NewPool(PoolOptions{Kind: "held", MaxLive: 1, IdleTTL: time.Minute, AgentsDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := p.GetOrCreate(ctx, "a")
		done <- err
	}()
	<-heldFactoryEntered

	// The slot is reserved while the first create is still inside its
	// factory call: a second agent must not slip past the cap.
	if _, err := p.GetOrCreate(ctx, "b"); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("concurrent create error = %v, want runtime_capacity_exhausted", err)
	}
	if p.Live() != 0 {
		t.Errorf("live = %d during in-flight create, want 0", p.Live())
	}

	close(heldFactoryRelease)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if p.Live() != 1 {
		t.Errorf("live = %d, want 1", p.Live())
	}
}

func TestPool_SweepEvictsIdleRuntimes(t *testing.T) {
	p, err := NewPool(PoolOptions{
		Kind:      "noop",
		MaxLive:   8,
		IdleTTL:   10 * time.Millisecond,
		AgentsDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())
	ctx := context.Background()

	if _, err := p.GetOrCreate(ctx, "idle"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(ctx, "busy"); err != nil {
		t.Fatal(err)
	}
	p.Retain("busy")

	time.Sleep(20 * time.Millisecond)
	evicted := p.Sweep(ctx)
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Errorf("evicted = %v, want [idle]", evicted)
	}
	if got := p.LiveAgentIDs(); len(got) != 1 || got[0] != "busy" {
		t.Errorf("live agents = %v, want [busy]", got)
	}
}

func TestPool_UnknownKindIsBootError(t *testing.T) {
	_, err := NewPool(PoolOptions{Kind: "warp-drive"})
	if err == nil {
		t.Fatal("unknown supervisor kind should fail at construction")
	}
}

func TestDeepMerge_NestedOverlay(t *testing.T) {
	base := map[string]any{
		"model": "base/model",
		"limits": map[string]any{
			"tokens": 1000,
			"tools":  5,
		},
	}
	overlay := map[string]any{
		"limits": map[string]any{"tokens": 2000},
		"extra":  true,
	}

	merged := DeepMerge(base, overlay)
	limits := merged["limits"].(map[string]any)
	if limits["tokens"] != 2000 || limits["tools"] != 5 {
		t.Errorf("merged limits = %v", limits)
	}
	if merged["model"] != "base/model" || merged["extra"] != true {
		t.Errorf("merged = %v", merged)
	}

	// Inputs stay untouched.
	if base["limits"].(map[string]any)["tokens"] != 1000 {
		t.Error("DeepMerge mutated its base input")
	}
}

func TestForceNamespacing_RootsPathsAndDisablesScheduler(t *testing.T) {
	cfg := map[string]any{
		"ledger":   map[string]any{"path": "/shared/ledger.jsonl"},
		"schedule": map[string]any{"enabled": true, "dir": "/shared/cron"},
	}
	stateDir := filepath.Join("agents", "jack", "state")
	out := ForceNamespacing(cfg, stateDir)

	if got := out["ledger"].(map[string]any)["path"]; got != filepath.Join(stateDir, "ledger.jsonl") {
		t.Errorf("ledger.path = %v", got)
	}
	sched := out["schedule"].(map[string]any)
	if sched["enabled"] != false {
		t.Error("scheduler must be disabled for pooled agents")
	}
	if sched["dir"] != filepath.Join(stateDir, "schedule") {
		t.Errorf("schedule.dir = %v", sched["dir"])
	}
	if got := out["memory"].(map[string]any)["dir"]; got != filepath.Join(stateDir, "memory") {
		t.Errorf("memory.dir = %v", got)
	}
}

func TestOverlayCache_LoadsAgentConfig(t *testing.T) {
	agentsDir := t.TempDir()
	agentDir := filepath.Join(agentsDir, "jack")
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "config.json"), []byte(`{"model":"jack/model"}`), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewOverlayCache(agentsDir)
	defer c.Close()

	if got := c.Load("jack")["model"]; got != "jack/model" {
		t.Errorf("overlay model = %v", got)
	}
	if got := c.Load("missing"); len(got) != 0 {
		t.Errorf("missing agent overlay = %v, want empty", got)
	}
}

func TestNoopSession_EchoesAssistantText(t *testing.T) {
	p := newTestPool(t, 4)
	ctx := context.Background()

	h, err := p.GetOrCreate(ctx, "jack")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := h.Runtime.OpenSession(ctx, "agent:jack:telegram:1")
	if err != nil {
		t.Fatal(err)
	}

	var got []bus.SessionEvent
	unsub := sess.Subscribe(func(ev bus.SessionEvent) { got = append(got, ev) })
	defer unsub()

	if err := sess.SendUserMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := sess.WaitForIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Role != "assistant" || got[0].Text != "[jack] hello" {
		t.Errorf("events = %+v", got)
	}
}
