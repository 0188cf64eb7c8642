package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "agent-registry.json"), filepath.Join(dir, "agents"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return r
}

func TestOpen_DefaultAgentAlwaysExists(t *testing.T) {
	r := newTestRegistry(t)

	agent, err := r.Get("default")
	if err != nil {
		t.Fatalf("default agent missing: %v", err)
	}
	if !agent.Active() {
		t.Error("default agent should be active")
	}

	// Scaffold files are created alongside.
	for _, f := range []string{"identity.md", "config.json"} {
		if _, err := os.Stat(filepath.Join(r.AgentDir("default"), f)); err != nil {
			t.Errorf("scaffold %s missing: %v", f, err)
		}
	}
}

func TestCreateAgent_Lifecycle(t *testing.T) {
	r := newTestRegistry(t)

	agent, err := r.CreateAgent("Jack", "anthropic/claude")
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if agent.ID != "jack" {
		t.Errorf("id = %q, want lowercased jack", agent.ID)
	}
	if agent.Model != "anthropic/claude" {
		t.Errorf("model = %q", agent.Model)
	}

	if _, err := r.CreateAgent("jack", ""); !errors.Is(err, ErrAgentExists) {
		t.Errorf("duplicate create error = %v, want agent_exists", err)
	}
	for _, reserved := range []string{"default", "all", "system"} {
		if _, err := r.CreateAgent(reserved, ""); !errors.Is(err, ErrReservedAgentID) {
			t.Errorf("create %q error = %v, want reserved_agent_id", reserved, err)
		}
	}
	if _, err := r.CreateAgent("Bad Name!", ""); !errors.Is(err, ErrInvalidAgentID) {
		t.Errorf("invalid id error = %v", err)
	}
}

func TestCreateAgent_ReactivatesSoftDeleted(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.CreateAgent("jack", "old/model"); err != nil {
		t.Fatal(err)
	}
	if err := r.SoftDelete("jack"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("jack"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("deleted agent lookup = %v, want agent_not_found", err)
	}

	agent, err := r.CreateAgent("jack", "new/model")
	if err != nil {
		t.Fatalf("re-create failed: %v", err)
	}
	if !agent.Active() || agent.Model != "new/model" {
		t.Errorf("reactivated agent = %+v, want active with new model", agent)
	}
}

func TestSoftDelete_GuardsAndFocusCleanup(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.SoftDelete("default"); !errors.Is(err, ErrCannotDeleteDefault) {
		t.Errorf("delete default error = %v, want cannot_delete_default", err)
	}
	if err := r.SoftDelete("ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("delete unknown error = %v, want agent_not_found", err)
	}

	if _, err := r.CreateAgent("jack", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFocus("telegram:123", "jack"); err != nil {
		t.Fatal(err)
	}
	if err := r.SoftDelete("jack"); err != nil {
		t.Fatal(err)
	}

	// Focus never resolves to a deleted agent.
	if got := r.ResolveFocus("telegram:123"); got != "default" {
		t.Errorf("ResolveFocus after delete = %q, want default", got)
	}
}

func TestSetFocus_RequiresActiveAgent(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.SetFocus("telegram:1", "jack"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("focus on unknown agent = %v, want agent_not_found", err)
	}

	if _, err := r.CreateAgent("jack", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFocus("telegram:1", "@Jack"); err != nil {
		t.Fatalf("focus with @mention form failed: %v", err)
	}
	if got := r.ResolveFocus("telegram:1"); got != "jack" {
		t.Errorf("ResolveFocus = %q, want jack", got)
	}
	if got := r.ResolveFocus("telegram:other"); got != "default" {
		t.Errorf("unfocused scope = %q, want default", got)
	}
}

func TestSnapshot_SortedWithFocusFlag(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"zed", "amy"} {
		if _, err := r.CreateAgent(id, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.SetFocus("telegram:1", "zed"); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot("telegram:1")
	if snap.FocusedAgentID != "zed" || snap.DefaultAgentID != "default" {
		t.Errorf("snapshot heads = %+v", snap)
	}
	wantOrder := []string{"amy", "default", "zed"}
	if len(snap.Agents) != len(wantOrder) {
		t.Fatalf("agents = %d, want %d", len(snap.Agents), len(wantOrder))
	}
	for i, want := range wantOrder {
		if snap.Agents[i].ID != want {
			t.Errorf("agents[%d] = %q, want %q", i, snap.Agents[i].ID, want)
		}
		if focused := snap.Agents[i].IsFocused; focused != (want == "zed") {
			t.Errorf("agents[%d].IsFocused = %v", i, focused)
		}
	}
}

func TestOpen_ReactivatesDeletedDefaultAndSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-registry.json")
	agentsDir := filepath.Join(dir, "agents")

	r, err := Open(path, agentsDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateAgent("jack", "m"); err != nil {
		t.Fatal(err)
	}

	// Reload from disk.
	r2, err := Open(path, agentsDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r2.Get("jack"); err != nil {
		t.Errorf("jack lost on reload: %v", err)
	}
	if ids := r2.ActiveIDs(); len(ids) != 2 {
		t.Errorf("active ids = %v, want default and jack", ids)
	}
}

func TestTouchAgent_InMemoryUntilNextWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-registry.json")
	agentsDir := filepath.Join(dir, "agents")

	r, err := Open(path, agentsDir)
	if err != nil {
		t.Fatal(err)
	}
	r.TouchAgent("default")

	reloaded, err := Open(path, agentsDir)
	if err != nil {
		t.Fatal(err)
	}
	agent, err := reloaded.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastActiveAt != 0 {
		t.Error("touch alone must not write the registry file")
	}

	// The next registry write carries the timestamp along.
	if err := r.SetFocus("telegram:1", "default"); err != nil {
		t.Fatal(err)
	}
	reloaded, err = Open(path, agentsDir)
	if err != nil {
		t.Fatal(err)
	}
	agent, err = reloaded.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastActiveAt == 0 {
		t.Error("last active timestamp lost on the following write")
	}
}
