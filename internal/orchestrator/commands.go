package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/brewva/brewva/internal/command"
	"github.com/brewva/brewva/internal/registry"
	"github.com/brewva/brewva/internal/turn"
)

const helpText = `Brewva commands:
/agents — list agents in this chat
/new-agent <name> [model=<provider/id>] — create an agent
/del-agent <name> — delete an agent
/focus @name — set the default agent for this chat
/run @a,@b <task> — fan a task out to several agents
/discuss @a,@b [maxRounds=N] <topic> — round-robin discussion
/status — orchestrator status
@name <task> — send a task to one agent`

// runCommand executes a parsed control command and replies in-channel.
func (o *Orchestrator) runCommand(ctx context.Context, item workItem, m command.Match) error {
	env := item.env

	switch m.Kind {
	case command.KindHelp:
		o.sendControllerReply(ctx, env, helpText)

	case command.KindStatus:
		o.sendControllerReply(ctx, env, o.statusText())

	case command.KindListAgents:
		o.sendControllerReply(ctx, env, o.agentListText(item.scope))

	case command.KindNewAgent:
		agent, err := o.registry.CreateAgent(m.AgentID, m.Model)
		if err != nil {
			o.sendControllerReply(ctx, env, commandFailed(err))
			return nil
		}
		reply := fmt.Sprintf("Agent @%s created.", agent.ID)
		if agent.Model != "" {
			reply = fmt.Sprintf("Agent @%s created (model %s).", agent.ID, agent.Model)
		}
		o.sendControllerReply(ctx, env, reply)

	case command.KindDelAgent:
		normalized, err := registry.NormalizeAgentID(m.AgentID)
		if err == nil {
			err = o.registry.SoftDelete(normalized)
		}
		if err != nil {
			o.sendControllerReply(ctx, env, commandFailed(err))
			return nil
		}
		o.pool.Evict(ctx, normalized)
		o.sendControllerReply(ctx, env, fmt.Sprintf("Agent @%s deleted.", normalized))

	case command.KindFocus:
		if err := o.registry.SetFocus(item.scope, m.AgentID); err != nil {
			o.sendControllerReply(ctx, env, commandFailed(err))
			return nil
		}
		o.sendControllerReply(ctx, env, fmt.Sprintf("Focus set to @%s.", m.AgentID))

	case command.KindRun:
		return o.runFanOut(ctx, item, m)

	case command.KindDiscuss:
		return o.runDiscuss(ctx, item, m)
	}
	return nil
}

func (o *Orchestrator) runFanOut(ctx context.Context, item workItem, m command.Match) error {
	env := item.env
	o.sendTyping(ctx, env)

	result, err := o.coord.FanOut(ctx, item.scope, m.AgentIDs, m.Task)
	if err != nil {
		o.sendControllerReply(ctx, env, commandFailed(err))
		return nil
	}

	var failed []string
	for _, r := range result.Results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("@%s: %v", r.AgentID, r.Err))
			continue
		}
		sessionID := turn.AgentConversationKey(r.AgentID, item.scope)
		o.emitTurn(ctx, env, sessionID, turn.KindAssistant,
			fmt.Sprintf("[@%s]\n%s", r.AgentID, r.Response), r.AgentID)
	}
	if len(failed) > 0 {
		o.sendControllerReply(ctx, env, "Command failed for some agents:\n"+strings.Join(failed, "\n"))
	}
	return nil
}

func (o *Orchestrator) runDiscuss(ctx context.Context, item workItem, m command.Match) error {
	env := item.env
	o.sendTyping(ctx, env)

	result, err := o.coord.Discuss(ctx, item.scope, m.AgentIDs, m.Task, m.MaxRounds)
	if err != nil {
		o.sendControllerReply(ctx, env, commandFailed(err))
		return nil
	}

	for _, entry := range result.Rounds {
		sessionID := turn.AgentConversationKey(entry.AgentID, item.scope)
		o.emitTurn(ctx, env, sessionID, turn.KindAssistant,
			fmt.Sprintf("[@%s]\n%s", entry.AgentID, entry.Response), entry.AgentID)
	}

	summary := fmt.Sprintf("Discussion ended after %d contribution(s).", len(result.Rounds))
	if result.StoppedEarly {
		summary = fmt.Sprintf("Discussion concluded early after %d contribution(s).", len(result.Rounds))
	}
	o.sendControllerReply(ctx, env, summary)
	return nil
}

func (o *Orchestrator) agentListText(scope string) string {
	snap := o.registry.Snapshot(scope)

	var b strings.Builder
	b.WriteString("Agents in this chat:")
	for _, entry := range snap.Agents {
		b.WriteString("\n• @")
		b.WriteString(entry.ID)
		if entry.Model != "" {
			b.WriteString(" (")
			b.WriteString(entry.Model)
			b.WriteString(")")
		}
		if entry.ID == snap.DefaultAgentID {
			b.WriteString(" [default]")
		}
		if entry.IsFocused {
			b.WriteString(" ← focus")
		}
	}
	return b.String()
}

func (o *Orchestrator) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Active agents: %d\n", len(o.registry.ActiveIDs()))
	fmt.Fprintf(&b, "Live runtimes: %d", o.pool.Live())
	if live := o.pool.LiveAgentIDs(); len(live) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(live, ", "))
	}
	if o.wal != nil {
		fmt.Fprintf(&b, "\nQueued turns: %d", len(o.wal.PendingRecords()))
	}
	return b.String()
}

func commandFailed(err error) string {
	return "Command failed: " + err.Error()
}
