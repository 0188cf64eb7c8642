package turn

import "testing"

func TestRoutingScopeKey(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		threadID string
		want     string
	}{
		{name: "chat strategy", strategy: ScopeByChat, threadID: "42", want: "telegram:123"},
		{name: "thread strategy", strategy: ScopeByThread, threadID: "42", want: "telegram:123:thread:42"},
		{name: "thread strategy without thread", strategy: ScopeByThread, threadID: "", want: "telegram:123:thread:root"},
		{name: "unknown strategy falls back to chat", strategy: "bogus", threadID: "42", want: "telegram:123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoutingScopeKey(tt.strategy, "telegram", "123", tt.threadID)
			if got != tt.want {
				t.Errorf("RoutingScopeKey(%q) = %q, want %q", tt.strategy, got, tt.want)
			}
		})
	}
}

func TestAgentConversationKey(t *testing.T) {
	got := AgentConversationKey("jack", "telegram:123")
	if got != "agent:jack:telegram:123" {
		t.Errorf("AgentConversationKey = %q, want %q", got, "agent:jack:telegram:123")
	}

	agentID, scope := ParseAgentConversationKey(got)
	if agentID != "jack" || scope != "telegram:123" {
		t.Errorf("ParseAgentConversationKey(%q) = (%q, %q), want (jack, telegram:123)", got, agentID, scope)
	}
}

func TestParseAgentConversationKey_Malformed(t *testing.T) {
	for _, key := range []string{"", "telegram:123", "agent:jack", "session:jack:telegram:123"} {
		agentID, scope := ParseAgentConversationKey(key)
		if agentID != "" || scope != "" {
			t.Errorf("ParseAgentConversationKey(%q) = (%q, %q), want empty", key, agentID, scope)
		}
	}
}

func TestEnvelopeText(t *testing.T) {
	e := &Envelope{Parts: []Part{
		TextPart("hello"),
		ImagePart("telegram:file:abc", "image/jpeg"),
		TextPart("world"),
	}}
	if got := e.Text(); got != "hello\nworld" {
		t.Errorf("Text() = %q, want %q", got, "hello\nworld")
	}
}

func TestRewriteText(t *testing.T) {
	e := &Envelope{Parts: []Part{
		TextPart("@jack do the thing"),
		ImagePart("telegram:file:abc", "image/jpeg"),
	}}
	e.RewriteText("do the thing")

	if got := e.Text(); got != "do the thing" {
		t.Errorf("Text() after rewrite = %q, want %q", got, "do the thing")
	}
	if len(e.Parts) != 2 || e.Parts[1].Type != "image" {
		t.Errorf("non-text parts not preserved: %+v", e.Parts)
	}
}

func TestValidID(t *testing.T) {
	valid := []string{"req-1", "a", "st_0123456789ab", "abc_def-123"}
	invalid := []string{"", "Req-1", "has space", "way-too-long-for-the-callback-limit", "emoji💥"}

	for _, s := range valid {
		if !ValidID(s) {
			t.Errorf("ValidID(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidID(s) {
			t.Errorf("ValidID(%q) = true, want false", s)
		}
	}
}
