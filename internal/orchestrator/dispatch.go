package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/bus"
	"github.com/brewva/brewva/internal/command"
	"github.com/brewva/brewva/internal/projector"
	"github.com/brewva/brewva/internal/runtime"
	"github.com/brewva/brewva/internal/tracing"
	"github.com/brewva/brewva/internal/turn"
)

var errQueueOverflow = errors.New("scope_queue_overflow")

// processTurn runs the full pipeline for one logged turn.
func (o *Orchestrator) processTurn(ctx context.Context, item workItem) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "turn.process")
	span.SetAttributes(
		attribute.String("turn.id", item.env.TurnID),
		attribute.String("turn.kind", string(item.env.Kind)),
		attribute.String("turn.scope", item.scope),
	)
	defer span.End()

	o.markInflight(item.walID)

	var err error
	if item.env.Kind == turn.KindApproval {
		err = o.processApproval(ctx, item)
	} else {
		err = o.processUser(ctx, item)
	}

	if err != nil {
		o.markFailed(item.walID, err)
		return
	}
	o.markDone(item.walID)
}

// processApproval routes an approval decision back to the agent that issued
// the request; unrouted decisions go to the scope's focused agent.
func (o *Orchestrator) processApproval(ctx context.Context, item workItem) error {
	env := item.env
	defer o.answerCallback(ctx, env.Meta["callbackQueryId"], "")

	agentID := ""
	if route := o.routing.Lookup(env.ConversationID, env.Meta["approvalRequestId"]); route != nil {
		agentID = route.AgentID
	}
	if agentID == "" {
		agentID = o.registry.ResolveFocus(item.scope)
	}
	return o.dispatchAndEmit(ctx, item, agentID, env.Text(), "approval")
}

// processUser classifies the turn text and either executes a control command
// or dispatches to the routed agent.
func (o *Orchestrator) processUser(ctx context.Context, item workItem) error {
	env := item.env
	m := command.Parse(env.Text())

	if command.RequiresOwner(m.Kind) && !o.senderIsOwner(env) {
		o.sendControllerReply(ctx, env, "Command denied: owner-only command.")
		return nil
	}

	switch m.Kind {
	case command.KindNone:
		return o.dispatchAndEmit(ctx, item, o.registry.ResolveFocus(item.scope), env.Text(), "chat")

	case command.KindRouteAgent:
		agent, err := o.registry.Get(m.AgentID)
		if err != nil || !agent.Active() {
			o.sendControllerReply(ctx, env, fmt.Sprintf("Command failed: unknown agent @%s.", m.AgentID))
			return nil
		}
		return o.dispatchAndEmit(ctx, item, agent.ID, m.Task, "mention")

	case command.KindError:
		o.sendControllerReply(ctx, env, "Command failed: "+m.Err)
		return nil

	default:
		return o.runCommand(ctx, item, m)
	}
}

// dispatchAndEmit sends one prompt to one agent session and emits the
// collected tool turns followed by the assistant turn. Outbound send errors
// are recorded, never fatal.
func (o *Orchestrator) dispatchAndEmit(ctx context.Context, item workItem, agentID, task, reason string) error {
	env := item.env
	o.sendTyping(ctx, env)

	sessionID := turn.AgentConversationKey(agentID, item.scope)
	canonicalizeSession(env, sessionID)

	prompt := o.buildPrompt(env, task)
	collector, err := o.dispatch(ctx, agentID, item.scope, prompt)
	if err != nil {
		o.sendControllerReply(ctx, env, fmt.Sprintf("Command failed: agent @%s: %v", agentID, err))
		return fmt.Errorf("dispatch to %s: %w", agentID, err)
	}
	for _, ev := range collector.ToolEvents() {
		text := ev.ToolName
		if ev.Payload != "" {
			text += ": " + ev.Payload
		}
		o.emitTurn(ctx, env, sessionID, turn.KindTool, text, agentID)
	}
	if text := collector.AssistantText(); text != "" {
		o.emitTurn(ctx, env, sessionID, turn.KindAssistant, text, agentID)
	}

	slog.Debug("turn dispatched", "agent", agentID, "scope", item.scope, "reason", reason)
	return nil
}

// dispatch runs one prompt through the agent's pooled runtime session. The
// event subscription is released on every exit path.
func (o *Orchestrator) dispatch(ctx context.Context, agentID, scope, prompt string) (*bus.Collector, error) {
	handle, err := o.acquireRuntime(ctx, agentID)
	if err != nil {
		return nil, err
	}
	o.pool.Retain(agentID)
	defer o.pool.Release(agentID)

	sessionID := turn.AgentConversationKey(agentID, scope)
	session, err := handle.Runtime.OpenSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", runtime.ErrRuntimeUnavailable, err)
	}

	collector := bus.NewCollector()
	unsubscribe := session.Subscribe(collector.Handle)
	defer unsubscribe()

	if err := session.SendUserMessage(ctx, prompt); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	if err := session.WaitForIdle(ctx); err != nil {
		return nil, fmt.Errorf("wait for idle: %w", err)
	}

	o.registry.TouchAgent(agentID)
	o.pool.Touch(agentID)
	return collector, nil
}

// acquireRuntime gets the agent's pooled runtime, sweeping idle runtimes and
// retrying once when capacity is exhausted.
func (o *Orchestrator) acquireRuntime(ctx context.Context, agentID string) (*runtime.Handle, error) {
	handle, err := o.pool.GetOrCreate(ctx, agentID)
	if errors.Is(err, runtime.ErrCapacityExhausted) {
		if evicted := o.pool.Sweep(ctx); len(evicted) > 0 {
			o.emitEvent("agent_runtime_evicted", map[string]string{"agents": fmt.Sprint(evicted)})
		}
		handle, err = o.pool.GetOrCreate(ctx, agentID)
	}
	return handle, err
}

// DispatchToAgent implements coordinator.Dispatcher: one prompt, one agent,
// assistant text back.
func (o *Orchestrator) DispatchToAgent(ctx context.Context, agentID, scopeKey, prompt, reason string) (string, error) {
	collector, err := o.dispatch(ctx, agentID, scopeKey, prompt)
	if err != nil {
		return "", err
	}
	slog.Debug("coordinated dispatch", "agent", agentID, "scope", scopeKey, "reason", reason)
	return collector.AssistantText(), nil
}

// emitTurn renders and sends one outbound turn tied to the inbound turn.
func (o *Orchestrator) emitTurn(ctx context.Context, inReplyTo *turn.Envelope, sessionID string, kind turn.Kind, text, agentID string) {
	env := &turn.Envelope{
		Schema:         turn.Schema,
		Kind:           kind,
		SessionID:      sessionID,
		TurnID:         fmt.Sprintf("out:%s:%d", inReplyTo.TurnID, o.nextOutboundSeq(sessionID)),
		Channel:        projector.ChannelName,
		ConversationID: inReplyTo.ConversationID,
		ThreadID:       inReplyTo.ThreadID,
		Timestamp:      time.Now().UnixMilli(),
		Parts:          []turn.Part{turn.TextPart(text)},
	}
	env.SetMeta("inReplyToTurnId", inReplyTo.TurnID)

	o.sendTurn(ctx, env, agentID)
}

// sendTurn renders an outbound envelope and pushes it through the transport.
func (o *Orchestrator) sendTurn(ctx context.Context, env *turn.Envelope, agentID string) {
	chatID, threadID, err := chatAddress(env)
	if err != nil {
		slog.Error("unaddressable outbound turn", "conversation", env.ConversationID, "error", err)
		return
	}

	requests := projector.RenderTurn(env, projector.RenderOptions{
		ChatID:          chatID,
		ThreadID:        threadID,
		MaxTextLength:   o.cfg.Telegram.MaxTextLength,
		InlineApprovals: o.cfg.Telegram.InlineApprovalsEnabled(),
		CallbackSecret:  o.cfg.Telegram.CallbackSecret,
		ConversationID:  env.ConversationID,
		Bridge:          o.dispatchBridge(agentID),
	})
	if len(requests) == 0 {
		return
	}

	if err := o.transport.Send(ctx, requests); err != nil {
		slog.Error("outbound send failed", "turn_id", env.TurnID, "error", err)
		o.emitEvent("channel_turn_outbound_error", map[string]string{
			"turnId": env.TurnID, "error": err.Error(),
		})
	}
}

// sendControllerReply sends orchestrator-authored text (command results,
// denials) into the conversation.
func (o *Orchestrator) sendControllerReply(ctx context.Context, inReplyTo *turn.Envelope, text string) {
	o.emitTurn(ctx, inReplyTo, "controller", turn.KindAssistant, text, "")
}

// senderIsOwner checks the turn's sender against the configured owner list.
// Owners match by numeric id or by username. An empty owner list follows the
// acl_when_no_owners mode.
func (o *Orchestrator) senderIsOwner(env *turn.Envelope) bool {
	owners := o.cfg.Telegram.OwnerIDs
	if len(owners) == 0 {
		return o.cfg.Telegram.ACLWhenNoOwners != "closed"
	}
	senderID := env.Meta["senderId"]
	senderName := env.Meta["senderUsername"]
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if owner == senderID || equalMention(owner, senderName) {
			return true
		}
	}
	return false
}

func equalMention(owner, username string) bool {
	if username == "" {
		return false
	}
	if owner[0] == '@' {
		owner = owner[1:]
	}
	return owner == username
}

func (o *Orchestrator) nextOutboundSeq(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outboundSeq == nil {
		o.outboundSeq = make(map[string]int)
	}
	o.outboundSeq[sessionID]++
	return o.outboundSeq[sessionID]
}

// chatAddress parses the provider chat and thread ids out of an envelope.
func chatAddress(env *turn.Envelope) (chatID int64, threadID int, err error) {
	chatID, err = strconv.ParseInt(env.ConversationID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("conversation id %q: %w", env.ConversationID, err)
	}
	if env.ThreadID != "" {
		threadID, _ = strconv.Atoi(env.ThreadID)
	}
	return chatID, threadID, nil
}

// approvalBridge links the projector to the approval stores. A non-empty
// agentID also records approval routing so the decision returns to the agent
// that asked.
type approvalBridge struct {
	states  *approval.StateStore
	routing *approval.RoutingStore
	agentID string
}

func (b approvalBridge) ResolveApprovalState(conversationID, requestID string) *approval.Snapshot {
	return b.states.Resolve(conversationID, requestID)
}

func (b approvalBridge) PersistApprovalState(conversationID, requestID string, snap approval.Snapshot) approval.RecordResult {
	res := b.states.Record(conversationID, requestID, snap)
	if b.agentID != "" {
		b.routing.Record(conversationID, requestID, b.agentID)
	}
	return res
}

func (o *Orchestrator) sharedBridge() projector.ApprovalBridge {
	return approvalBridge{states: o.states, routing: o.routing}
}

func (o *Orchestrator) dispatchBridge(agentID string) projector.ApprovalBridge {
	return approvalBridge{states: o.states, routing: o.routing, agentID: agentID}
}
