package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureAgentFiles_SeedsAndSubstitutes(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureAgentFiles(dir, "zed")
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %v, want identity.md and config.json", created)
	}

	identity, err := os.ReadFile(filepath.Join(dir, IdentityFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(identity), "# Agent: zed") {
		t.Errorf("identity.md missing substituted agent id:\n%s", identity)
	}
	if strings.Contains(string(identity), "{{AGENT_ID}}") {
		t.Error("placeholder left in seeded file")
	}
}

func TestEnsureAgentFiles_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("# my custom identity\n")
	if err := os.WriteFile(filepath.Join(dir, IdentityFile), custom, 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureAgentFiles(dir, "zed")
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0] != ConfigFile {
		t.Errorf("created = %v, want only config.json", created)
	}

	got, _ := os.ReadFile(filepath.Join(dir, IdentityFile))
	if string(got) != string(custom) {
		t.Error("existing identity.md was overwritten")
	}
}
