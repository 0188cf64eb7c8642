// Package registry manages named agents: creation, soft deletion, per-scope
// focus, and the on-disk scaffold each agent works out of.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/bootstrap"
)

const registrySchema = "brewva.agent-registry.v1"

// DefaultAgentID always exists and cannot be deleted.
const DefaultAgentID = "default"

var (
	ErrAgentNotFound       = errors.New("agent_not_found")
	ErrAgentExists         = errors.New("agent_exists")
	ErrReservedAgentID     = errors.New("reserved_agent_id")
	ErrCannotDeleteDefault = errors.New("cannot_delete_default")
	ErrInvalidAgentID      = errors.New("invalid_agent_id")
)

var agentIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// reservedIDs cannot be created or targeted as regular agents. "default" is
// reserved for creation only; it always exists.
var reservedIDs = map[string]bool{
	DefaultAgentID: true,
	"all":          true,
	"system":       true,
}

// Agent is one registry record.
type Agent struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // "active" or "deleted"
	Model        string `json:"model,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	DeletedAt    int64  `json:"deletedAt,omitempty"`
	LastActiveAt int64  `json:"lastActiveAt,omitempty"`
}

// Active reports whether the agent can receive work.
func (a *Agent) Active() bool { return a != nil && a.Status == "active" }

// SnapshotEntry is one agent in a scope snapshot.
type SnapshotEntry struct {
	Agent
	IsFocused bool `json:"isFocused"`
}

// ScopeSnapshot is the registry view for one scope.
type ScopeSnapshot struct {
	FocusedAgentID string          `json:"focusedAgentId"`
	DefaultAgentID string          `json:"defaultAgentId"`
	Agents         []SnapshotEntry `json:"agents"`
}

type registryFile struct {
	Schema         string            `json:"schema"`
	DefaultAgentID string            `json:"defaultAgentId"`
	UpdatedAt      int64             `json:"updatedAt"`
	FocusByScope   map[string]string `json:"focusByScope"`
	Agents         map[string]*Agent `json:"agents"`
}

// Registry is the durable agent catalog. Safe for concurrent use.
type Registry struct {
	path      string // registry JSON file
	agentsDir string // per-agent scaffold root

	mu   sync.Mutex
	file registryFile
}

// Open loads (or initializes) the registry at path, with scaffolds under
// agentsDir. The default agent is created, and re-activated if found deleted.
func Open(path, agentsDir string) (*Registry, error) {
	r := &Registry{
		path:      path,
		agentsDir: agentsDir,
		file: registryFile{
			Schema:         registrySchema,
			DefaultAgentID: DefaultAgentID,
			FocusByScope:   make(map[string]string),
			Agents:         make(map[string]*Agent),
		},
	}

	if data, err := os.ReadFile(path); err == nil {
		var f registryFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse agent registry %s: %w", path, err)
		}
		if f.FocusByScope == nil {
			f.FocusByScope = make(map[string]string)
		}
		if f.Agents == nil {
			f.Agents = make(map[string]*Agent)
		}
		f.Schema = registrySchema
		if f.DefaultAgentID == "" {
			f.DefaultAgentID = DefaultAgentID
		}
		r.file = f
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}

	// The default agent self-heals: missing or deleted, it comes back active.
	now := time.Now().UnixMilli()
	def := r.file.Agents[r.file.DefaultAgentID]
	if def == nil {
		r.file.Agents[r.file.DefaultAgentID] = &Agent{
			ID:        r.file.DefaultAgentID,
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else if !def.Active() {
		def.Status = "active"
		def.DeletedAt = 0
		def.UpdatedAt = now
	}
	if err := r.ensureScaffold(r.file.DefaultAgentID); err != nil {
		return nil, err
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// NormalizeAgentID lowercases and validates an agent id, stripping a leading @.
func NormalizeAgentID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if !agentIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentID, raw)
	}
	return id, nil
}

// CreateAgent registers a new agent. A soft-deleted agent with the same id is
// reactivated, taking the new model when one is given.
func (r *Registry) CreateAgent(requestedID, model string) (*Agent, error) {
	id, err := NormalizeAgentID(requestedID)
	if err != nil {
		return nil, err
	}
	if reservedIDs[id] {
		return nil, fmt.Errorf("%w: %s", ErrReservedAgentID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	if existing := r.file.Agents[id]; existing != nil {
		if existing.Active() {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
		}
		existing.Status = "active"
		existing.DeletedAt = 0
		existing.UpdatedAt = now
		if model != "" {
			existing.Model = model
		}
		if err := r.ensureScaffold(id); err != nil {
			return nil, err
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
		cp := *existing
		return &cp, nil
	}

	agent := &Agent{ID: id, Status: "active", Model: model, CreatedAt: now, UpdatedAt: now}
	r.file.Agents[id] = agent
	if err := r.ensureScaffold(id); err != nil {
		delete(r.file.Agents, id)
		return nil, err
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	cp := *agent
	return &cp, nil
}

// SoftDelete marks an agent deleted and drops focus entries pointing at it.
func (r *Registry) SoftDelete(requestedID string) error {
	id, err := NormalizeAgentID(requestedID)
	if err != nil {
		return err
	}
	if id == r.defaultID() {
		return ErrCannotDeleteDefault
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent := r.file.Agents[id]
	if !agent.Active() {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	now := time.Now().UnixMilli()
	agent.Status = "deleted"
	agent.DeletedAt = now
	agent.UpdatedAt = now

	for scope, focused := range r.file.FocusByScope {
		if focused == id {
			delete(r.file.FocusByScope, scope)
		}
	}
	return r.persistLocked()
}

// SetFocus points a scope at an active agent.
func (r *Registry) SetFocus(scopeKey, requestedID string) error {
	id, err := NormalizeAgentID(requestedID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.file.Agents[id].Active() {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	r.file.FocusByScope[scopeKey] = id
	return r.persistLocked()
}

// ResolveFocus returns the focused agent for a scope, falling back to the
// default agent and clearing the entry when the focused agent is gone.
func (r *Registry) ResolveFocus(scopeKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.file.FocusByScope[scopeKey]
	if ok && r.file.Agents[id].Active() {
		return id
	}
	if ok {
		delete(r.file.FocusByScope, scopeKey)
		if err := r.persistLocked(); err != nil {
			slog.Warn("agent registry persist failed", "error", err)
		}
	}
	return r.file.DefaultAgentID
}

// Get returns the active agent with the given id.
func (r *Registry) Get(requestedID string) (*Agent, error) {
	id, err := NormalizeAgentID(requestedID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent := r.file.Agents[id]
	if !agent.Active() {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cp := *agent
	return &cp, nil
}

// ActiveIDs returns the ids of all active agents, sorted.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.file.Agents))
	for id, a := range r.file.Agents {
		if a.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TouchAgent records recent activity for an agent in memory. The timestamp
// reaches disk with the next registry write; touching on every dispatched
// turn must not cost a file write each time. Unknown ids are ignored.
func (r *Registry) TouchAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent := r.file.Agents[id]; agent != nil {
		agent.LastActiveAt = time.Now().UnixMilli()
	}
}

// Snapshot returns the registry view for one scope: focused id, default id,
// and sorted active agent records.
func (r *Registry) Snapshot(scopeKey string) ScopeSnapshot {
	focused := r.ResolveFocus(scopeKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := ScopeSnapshot{FocusedAgentID: focused, DefaultAgentID: r.file.DefaultAgentID}
	for _, a := range r.file.Agents {
		if !a.Active() {
			continue
		}
		snap.Agents = append(snap.Agents, SnapshotEntry{Agent: *a, IsFocused: a.ID == focused})
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })
	return snap
}

// AgentDir returns the scaffold directory for an agent.
func (r *Registry) AgentDir(id string) string {
	return filepath.Join(r.agentsDir, id)
}

func (r *Registry) defaultID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.DefaultAgentID
}

// ensureScaffold seeds the agent directory with identity.md and config.json
// from the bootstrap templates. Existing files are never overwritten.
func (r *Registry) ensureScaffold(id string) error {
	if _, err := bootstrap.EnsureAgentFiles(r.AgentDir(id), id); err != nil {
		return fmt.Errorf("seed agent scaffold: %w", err)
	}
	return nil
}

// persistLocked writes the registry file via temp + rename.
func (r *Registry) persistLocked() error {
	r.file.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(&r.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
