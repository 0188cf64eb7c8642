package orchestrator

import (
	"fmt"
	"strings"

	"github.com/brewva/brewva/internal/turn"
)

// buildPrompt serializes an inbound turn for an agent session: an optional
// UI-skill policy line, a header naming the channel, conversation, turn kind,
// and sender, then the task text and summaries of any non-text parts.
func (o *Orchestrator) buildPrompt(env *turn.Envelope, task string) string {
	var b strings.Builder

	if skill := o.cfg.Telegram.UISkill; skill != "" {
		fmt.Fprintf(&b, "Channel policy: when presenting choices, prefer the %q skill so the reply renders as buttons.\n\n", skill)
	}

	fmt.Fprintf(&b, "[%s conversation %s", env.Channel, env.ConversationID)
	if env.ThreadID != "" {
		fmt.Fprintf(&b, " thread %s", env.ThreadID)
	}
	fmt.Fprintf(&b, " | %s turn", env.Kind)
	if sender := senderLabel(env); sender != "" {
		b.WriteString(" from ")
		b.WriteString(sender)
	}
	b.WriteString("]\n")

	b.WriteString(task)

	for _, p := range env.Parts {
		switch p.Type {
		case "image":
			fmt.Fprintf(&b, "\n[image attachment %s]", p.URI)
		case "file":
			name := p.Name
			if name == "" {
				name = p.URI
			}
			fmt.Fprintf(&b, "\n[file attachment %s]", name)
		}
	}
	return b.String()
}

func senderLabel(env *turn.Envelope) string {
	if u := env.Meta["senderUsername"]; u != "" {
		return "@" + u
	}
	if id := env.Meta["senderId"]; id != "" {
		return "id " + id
	}
	return ""
}

// canonicalizeSession rewrites the envelope's session id to the agent session
// id, keeping the channel-level id under meta.channelSessionId.
func canonicalizeSession(env *turn.Envelope, agentSessionID string) {
	if env.SessionID == agentSessionID {
		return
	}
	if env.SessionID != "" {
		env.SetMeta("channelSessionId", env.SessionID)
	}
	env.SessionID = agentSessionID
}
