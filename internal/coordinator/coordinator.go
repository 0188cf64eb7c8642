// Package coordinator runs multi-agent work: parallel fan-out, round-robin
// discussion, and agent-to-agent calls with depth and hop limits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/brewva/brewva/internal/turn"
)

var (
	ErrNoTargets        = errors.New("no_targets")
	ErrRequiresTwo      = errors.New("requires_two_or_more_agents")
	ErrA2ADepthExceeded = errors.New("a2a_depth_limit_exceeded")
	ErrA2AHopsExceeded  = errors.New("a2a_hops_limit_exceeded")
	ErrA2ASelfTarget    = errors.New("a2a_self_target_blocked")
	ErrAgentNotActive   = errors.New("agent_not_active")
)

// Dispatcher delivers one prompt to one agent within a scope and returns the
// assistant response.
type Dispatcher interface {
	DispatchToAgent(ctx context.Context, agentID, scopeKey, prompt, reason string) (string, error)
}

// Limits bound coordination work.
type Limits struct {
	FanoutMaxAgents     int
	MaxDiscussionRounds int
	A2AMaxDepth         int
	A2AMaxHops          int
	ForbidSelfA2A       bool
}

// Coordinator mediates all multi-agent operations.
type Coordinator struct {
	dispatcher Dispatcher
	limits     Limits
	isActive   func(agentID string) bool
}

// New builds a coordinator. isActive gates every target agent.
func New(dispatcher Dispatcher, limits Limits, isActive func(agentID string) bool) *Coordinator {
	return &Coordinator{dispatcher: dispatcher, limits: limits, isActive: isActive}
}

// AgentResult is one agent's outcome in a fan-out.
type AgentResult struct {
	AgentID  string
	Response string
	Err      error
}

// FanOutResult collects per-agent outcomes. OK means every agent succeeded.
type FanOutResult struct {
	Results []AgentResult
	OK      bool
}

// FanOut dispatches the same task to several agents in parallel. Per-agent
// failures are collected, never fatal to the batch.
func (c *Coordinator) FanOut(ctx context.Context, scopeKey string, agentIDs []string, task string) (FanOutResult, error) {
	targets := uniq(agentIDs)
	if len(targets) == 0 {
		return FanOutResult{}, ErrNoTargets
	}
	if max := c.limits.FanoutMaxAgents; max > 0 && len(targets) > max {
		return FanOutResult{}, fmt.Errorf("fanout_limit_exceeded:%d", max)
	}

	results := make([]AgentResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, agentID := range targets {
		results[i].AgentID = agentID
		if !c.isActive(agentID) {
			results[i].Err = fmt.Errorf("%w: %s", ErrAgentNotActive, agentID)
			continue
		}
		g.Go(func() error {
			resp, err := c.dispatcher.DispatchToAgent(gctx, agentID, scopeKey, task, "fanout")
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Response = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FanOutResult{Results: results}, err
	}

	out := FanOutResult{Results: results, OK: true}
	for _, r := range results {
		if r.Err != nil {
			out.OK = false
		}
	}
	return out, nil
}

// DiscussEntry is one agent's contribution in one round.
type DiscussEntry struct {
	Round    int
	AgentID  string
	Response string
}

// DiscussResult is a completed discussion.
type DiscussResult struct {
	Rounds       []DiscussEntry
	StoppedEarly bool
}

// stoppedByResponse recognizes the discussion stop signals: an exact "[DONE]"
// reply or any reply containing REPLY_SKIP, both case-insensitive.
func stoppedByResponse(response string) bool {
	trimmed := strings.TrimSpace(response)
	if strings.EqualFold(trimmed, "[DONE]") {
		return true
	}
	return strings.Contains(strings.ToUpper(response), "REPLY_SKIP")
}

// Discuss runs a round-robin conversation among the agents on a topic. Each
// agent sees the contributions so far; an agent can end the discussion with
// a stop signal. The stopping response is still recorded.
func (c *Coordinator) Discuss(ctx context.Context, scopeKey string, agentIDs []string, topic string, requestedRounds int) (DiscussResult, error) {
	targets := uniq(agentIDs)
	if len(targets) < 2 {
		return DiscussResult{}, ErrRequiresTwo
	}
	for _, agentID := range targets {
		if !c.isActive(agentID) {
			return DiscussResult{}, fmt.Errorf("%w: %s", ErrAgentNotActive, agentID)
		}
	}

	rounds := c.limits.MaxDiscussionRounds
	if requestedRounds > 0 && requestedRounds < rounds {
		rounds = requestedRounds
	}
	if rounds < 1 {
		rounds = 1
	}

	var result DiscussResult
	var transcript strings.Builder
	for round := 1; round <= rounds; round++ {
		for _, agentID := range targets {
			prompt := discussPrompt(topic, round, rounds, transcript.String())
			resp, err := c.dispatcher.DispatchToAgent(ctx, agentID, scopeKey, prompt, "discuss")
			if err != nil {
				return result, err
			}

			result.Rounds = append(result.Rounds, DiscussEntry{Round: round, AgentID: agentID, Response: resp})
			fmt.Fprintf(&transcript, "%s: %s\n", agentID, resp)

			if stoppedByResponse(resp) {
				result.StoppedEarly = true
				return result, nil
			}
		}
	}
	return result, nil
}

func discussPrompt(topic string, round, total int, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Discussion topic: %s\n", topic)
	fmt.Fprintf(&b, "Round %d of %d.\n", round, total)
	if transcript != "" {
		b.WriteString("Contributions so far:\n")
		b.WriteString(transcript)
	}
	b.WriteString("Reply with your contribution. Reply with exactly [DONE] when the discussion has reached a conclusion, or include REPLY_SKIP to pass.")
	return b.String()
}

// A2ACall is an agent-to-agent request.
type A2ACall struct {
	FromSessionID string // caller's canonical session id
	TargetAgentID string
	Message       string
	Depth         int // chain depth before this call
	Hops          int // total hops before this call
}

// A2ASend delivers a message from one agent to another, enforcing depth and
// hop limits against the incremented counters.
func (c *Coordinator) A2ASend(ctx context.Context, call A2ACall) (string, error) {
	if call.Depth+1 > c.limits.A2AMaxDepth {
		return "", fmt.Errorf("%w: depth %d", ErrA2ADepthExceeded, call.Depth+1)
	}
	if call.Hops+1 > c.limits.A2AMaxHops {
		return "", fmt.Errorf("%w: hops %d", ErrA2AHopsExceeded, call.Hops+1)
	}

	fromAgentID, scopeKey := turn.ParseAgentConversationKey(call.FromSessionID)
	if fromAgentID == "" {
		return "", errors.New("dispatch_scope_unavailable")
	}
	if c.limits.ForbidSelfA2A && fromAgentID == call.TargetAgentID {
		return "", fmt.Errorf("%w: %s", ErrA2ASelfTarget, call.TargetAgentID)
	}
	if !c.isActive(call.TargetAgentID) {
		return "", fmt.Errorf("%w: %s", ErrAgentNotActive, call.TargetAgentID)
	}

	prompt := fmt.Sprintf("Message from agent %s:\n%s", fromAgentID, call.Message)
	return c.dispatcher.DispatchToAgent(ctx, call.TargetAgentID, scopeKey, prompt, "a2a")
}

// A2ABroadcast sends a message from one agent to every other active agent in
// the list. Per-target failures are collected.
func (c *Coordinator) A2ABroadcast(ctx context.Context, call A2ACall, targets []string) []AgentResult {
	fromAgentID, _ := turn.ParseAgentConversationKey(call.FromSessionID)

	var results []AgentResult
	for _, target := range uniq(targets) {
		if target == fromAgentID {
			continue
		}
		targetCall := call
		targetCall.TargetAgentID = target
		resp, err := c.A2ASend(ctx, targetCall)
		results = append(results, AgentResult{AgentID: target, Response: resp, Err: err})
	}
	return results
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(strings.ToLower(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
