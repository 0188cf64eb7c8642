package runtime

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DeepMerge returns base overlaid with overlay. Maps merge recursively; any
// other value in overlay replaces the base value. Inputs are not mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = deepClone(v)
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = deepClone(v)
	}
	return out
}

func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepClone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepClone(e)
		}
		return out
	default:
		return v
	}
}

// ForceNamespacing roots every per-agent path in cfg under stateDir and
// disables the scheduler. Agents must never share ledgers, memory, or WAL
// directories regardless of what their overlay asks for.
func ForceNamespacing(cfg map[string]any, stateDir string) map[string]any {
	setNested(cfg, []string{"ledger", "path"}, filepath.Join(stateDir, "ledger.jsonl"))
	setNested(cfg, []string{"memory", "dir"}, filepath.Join(stateDir, "memory"))
	setNested(cfg, []string{"events", "dir"}, filepath.Join(stateDir, "events"))
	setNested(cfg, []string{"turnWal", "dir"}, filepath.Join(stateDir, "turn-wal"))
	setNested(cfg, []string{"schedule", "dir"}, filepath.Join(stateDir, "schedule"))
	setNested(cfg, []string{"schedule", "enabled"}, false)
	return cfg
}

func setNested(cfg map[string]any, path []string, value any) {
	cur := cfg
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// OverlayCache caches per-agent config.json overlays and invalidates entries
// when the files change on disk.
type OverlayCache struct {
	agentsDir string

	mu      sync.Mutex
	cache   map[string]map[string]any
	watcher *fsnotify.Watcher
}

// NewOverlayCache builds a cache over agentsDir. The fsnotify watcher is
// best-effort: when it cannot be created, every load hits disk.
func NewOverlayCache(agentsDir string) *OverlayCache {
	c := &OverlayCache{agentsDir: agentsDir, cache: make(map[string]map[string]any)}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("agent config watcher unavailable", "error", err)
		return c
	}
	c.watcher = w
	go c.watch()
	return c
}

// Load returns the parsed config.json overlay for an agent. Missing or
// malformed files yield an empty overlay.
func (c *OverlayCache) Load(agentID string) map[string]any {
	c.mu.Lock()
	if cached, ok := c.cache[agentID]; ok && c.watcher != nil {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	overlay := map[string]any{}
	path := filepath.Join(c.agentsDir, agentID, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &overlay); err != nil {
			slog.Warn("agent config overlay unreadable", "agent", agentID, "error", err)
			overlay = map[string]any{}
		}
	}

	c.mu.Lock()
	c.cache[agentID] = overlay
	c.mu.Unlock()

	if c.watcher != nil {
		// Watch the agent dir; watching the file itself breaks on rename.
		if err := c.watcher.Add(filepath.Join(c.agentsDir, agentID)); err != nil {
			slog.Debug("agent config watch failed", "agent", agentID, "error", err)
		}
	}
	return overlay
}

func (c *OverlayCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "config.json" {
				continue
			}
			agentID := filepath.Base(filepath.Dir(ev.Name))
			c.mu.Lock()
			delete(c.cache, agentID)
			c.mu.Unlock()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (c *OverlayCache) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}
