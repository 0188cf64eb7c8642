package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/turn"
)

func TestBuildPrompt_HeaderSkillAndParts(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Telegram.UISkill = "canvas"
	})

	env := &turn.Envelope{
		Kind:           turn.KindUser,
		Channel:        "telegram",
		ConversationID: "123",
		ThreadID:       "42",
		Parts: []turn.Part{
			turn.TextPart("look at this"),
			turn.ImagePart("file://img", "image/png"),
			turn.FilePart("file://doc", "notes.txt", "text/plain"),
		},
		Meta: map[string]string{"senderUsername": "ada"},
	}

	got := f.orch.buildPrompt(env, env.Text())
	for _, want := range []string{
		`prefer the "canvas" skill`,
		"[telegram conversation 123 thread 42 | user turn from @ada]",
		"look at this",
		"[image attachment file://img]",
		"[file attachment notes.txt]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildPrompt_NoSkillNoPolicyBlock(t *testing.T) {
	f := newFixture(t, nil)

	env := &turn.Envelope{
		Kind:           turn.KindUser,
		Channel:        "telegram",
		ConversationID: "123",
		Parts:          []turn.Part{turn.TextPart("hi")},
	}
	if got := f.orch.buildPrompt(env, "hi"); strings.Contains(got, "Channel policy") {
		t.Errorf("prompt has a policy block without a configured skill:\n%s", got)
	}
}

func TestCanonicalizeSession_PreservesChannelID(t *testing.T) {
	env := &turn.Envelope{SessionID: "telegram:123"}

	canonicalizeSession(env, "agent:zed:telegram:123")
	if env.SessionID != "agent:zed:telegram:123" {
		t.Errorf("sessionId = %q", env.SessionID)
	}
	if env.Meta["channelSessionId"] != "telegram:123" {
		t.Errorf("channelSessionId = %q, want the original id kept", env.Meta["channelSessionId"])
	}

	// Re-canonicalizing must not clobber the preserved id.
	canonicalizeSession(env, "agent:zed:telegram:123")
	if env.Meta["channelSessionId"] != "telegram:123" {
		t.Errorf("channelSessionId = %q after repeat", env.Meta["channelSessionId"])
	}
}

func TestDispatchPromptCarriesSkillPolicy(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Telegram.UISkill = "canvas"
	})

	f.orch.HandleUpdate(context.Background(), textUpdate(1, 1, 123, "hello"))
	waitFor(t, "assistant reply", func() bool { return len(f.sender.texts()) >= 1 })
	if got := f.sender.texts()[0]; !strings.Contains(got, `prefer the "canvas" skill`) {
		t.Errorf("dispatched prompt missing the skill policy:\n%s", got)
	}
}
