// Package orchestrator runs the channel turn pipeline: inbound updates are
// projected to turn envelopes, logged to the WAL, serialized per scope, and
// dispatched to agent runtime sessions. Replies render back through the
// projector and leave via the channel transport.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/bus"
	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/coordinator"
	"github.com/brewva/brewva/internal/projector"
	"github.com/brewva/brewva/internal/registry"
	"github.com/brewva/brewva/internal/runtime"
	"github.com/brewva/brewva/internal/turn"
	"github.com/brewva/brewva/internal/wal"
)

const (
	// scopeQueueDepth bounds buffered turns per conversation scope.
	scopeQueueDepth = 256

	// workerIdleTTL retires a scope worker with an empty queue.
	workerIdleTTL = 5 * time.Minute
)

// Sender executes rendered outbound requests against the channel provider.
type Sender interface {
	Send(ctx context.Context, requests []projector.OutboundRequest) error
}

// typingSender is implemented by transports that can show a typing
// indicator.
type typingSender interface {
	SendTyping(ctx context.Context, chatID int64, threadID int)
}

// callbackAnswerer is implemented by transports that can acknowledge
// callback queries.
type callbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackQueryID, text string)
}

// Options wire the orchestrator's collaborators.
type Options struct {
	Config    *config.Config
	Registry  *registry.Registry
	Pool      *runtime.Pool
	Wal       *wal.Log // nil when the turn WAL is disabled
	States    *approval.StateStore
	Routing   *approval.RoutingStore
	Transport Sender
	Events    *bus.Publisher // nil = events dropped
}

// Orchestrator serializes turns per conversation scope and drives agent
// dispatch.
type Orchestrator struct {
	cfg       *config.Config
	registry  *registry.Registry
	pool      *runtime.Pool
	wal       *wal.Log
	states    *approval.StateStore
	routing   *approval.RoutingStore
	transport Sender
	events    *bus.Publisher
	coord     *coordinator.Coordinator

	mu          sync.Mutex
	workers     map[string]*scopeWorker
	outboundSeq map[string]int
	closed      bool
	shutdown    chan struct{}

	baseCtx context.Context
	wg      sync.WaitGroup
}

type scopeWorker struct {
	scope string
	queue chan workItem
}

type workItem struct {
	env   *turn.Envelope
	walID string
	scope string
}

// New builds an orchestrator. Start must be called before updates arrive.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:       opts.Config,
		registry:  opts.Registry,
		pool:      opts.Pool,
		wal:       opts.Wal,
		states:    opts.States,
		routing:   opts.Routing,
		transport: opts.Transport,
		events:    opts.Events,
		workers:   make(map[string]*scopeWorker),
		shutdown:  make(chan struct{}),
	}

	oc := opts.Config.Orchestrator
	o.coord = coordinator.New(o, coordinator.Limits{
		FanoutMaxAgents:     oc.FanoutMaxAgents,
		MaxDiscussionRounds: oc.MaxDiscussionRounds,
		A2AMaxDepth:         oc.A2AMaxDepth,
		A2AMaxHops:          oc.A2AMaxHops,
		ForbidSelfA2A:       oc.SelfA2AForbidden(),
	}, func(agentID string) bool {
		a, err := opts.Registry.Get(agentID)
		return err == nil && a.Active()
	})
	return o
}

// Coordinator exposes the multi-agent surface for runtime tool integrations.
func (o *Orchestrator) Coordinator() *coordinator.Coordinator { return o.coord }

// Start records the base context and re-enqueues turns the WAL holds in a
// non-terminal state, oldest first.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx = ctx

	if o.wal == nil {
		return
	}
	pending := o.wal.PendingRecords()
	for _, rec := range pending {
		o.enqueue(workItem{env: rec.Envelope, walID: rec.WalID, scope: rec.Scope})
	}
	if len(pending) > 0 {
		slog.Info("recovered turns from wal", "count", len(pending))
	}
}

// HandleUpdate ingests one provider update: project, log, enqueue. Called
// from the polling loop and from the webhook ingress.
func (o *Orchestrator) HandleUpdate(ctx context.Context, update telego.Update) {
	env := projector.ProjectUpdate(update, projector.InboundOptions{
		CallbackSecret: o.cfg.Telegram.CallbackSecret,
		AllowBots:      o.cfg.Telegram.AllowBots,
		Bridge:         o.sharedBridge(),
	})
	if env == nil {
		// Undecodable callbacks still deserve an answer so the client
		// stops the button spinner.
		if update.CallbackQuery != nil {
			o.answerCallback(ctx, update.CallbackQuery.ID, "This button has expired.")
		}
		return
	}

	scope := turn.RoutingScopeKey(
		o.cfg.Telegram.RoutingScope, projector.ChannelName,
		env.ConversationID, env.ThreadID,
	)
	if env.SessionID == "" {
		env.SessionID = scope
	}

	item := workItem{env: env, scope: scope}
	if o.wal != nil {
		dedupeKey, _ := projector.DedupeKey(update)
		res, err := o.wal.AppendPending(env, scope, dedupeKey)
		if err != nil {
			slog.Error("wal append failed, processing without durability",
				"turn_id", env.TurnID, "error", err)
		} else if res.Duplicate {
			slog.Debug("duplicate turn skipped", "turn_id", env.TurnID, "dedupe_key", dedupeKey)
			if update.CallbackQuery != nil {
				o.answerCallback(ctx, update.CallbackQuery.ID, "")
			}
			return
		} else {
			item.walID = res.WalID
		}
	}

	o.enqueue(item)
}

// HandleWebhookBody adapts a raw webhook body to HandleUpdate. Plugged into
// the ingress server as its OnUpdate callback.
func (o *Orchestrator) HandleWebhookBody(ctx context.Context, body []byte) error {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return err
	}
	o.HandleUpdate(ctx, update)
	return nil
}

// enqueue hands a turn to its scope worker, spawning one when needed. Turns
// within a scope process strictly in order.
func (o *Orchestrator) enqueue(item workItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	w := o.workers[item.scope]
	if w == nil {
		w = &scopeWorker{scope: item.scope, queue: make(chan workItem, scopeQueueDepth)}
		o.workers[item.scope] = w
		o.wg.Add(1)
		go o.runWorker(w)
	}

	select {
	case w.queue <- item:
	default:
		slog.Error("scope queue overflow, turn dropped", "scope", item.scope, "turn_id", item.env.TurnID)
		o.markFailed(item.walID, errQueueOverflow)
		o.emitEvent("channel_scope_queue_overflow", map[string]string{"scope": item.scope})
	}
}

func (o *Orchestrator) runWorker(w *scopeWorker) {
	defer o.wg.Done()

	idle := time.NewTimer(workerIdleTTL)
	defer idle.Stop()

	for {
		select {
		case item := <-w.queue:
			o.processTurn(o.baseCtx, item)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTTL)
		case <-idle.C:
			if o.tryRetire(w) {
				return
			}
			idle.Reset(workerIdleTTL)
		case <-o.shutdown:
			// Enqueue refuses new turns once shutdown starts; drain what
			// is already queued, then exit.
			for {
				select {
				case item := <-w.queue:
					o.processTurn(o.baseCtx, item)
				default:
					return
				}
			}
		case <-o.baseCtx.Done():
			return
		}
	}
}

// tryRetire removes an idle worker from the routing map. Enqueue holds the
// same lock, so a turn either lands in the queue before removal (worker
// keeps running) or finds the map entry gone and spawns a fresh worker.
func (o *Orchestrator) tryRetire(w *scopeWorker) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(o.workers, w.scope)
	return true
}

// Shutdown stops accepting turns and waits for in-flight work up to the
// configured graceful timeout.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.shutdown)
	}
	o.mu.Unlock()

	timeout := time.Duration(o.cfg.Orchestrator.GracefulTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("graceful shutdown timed out, abandoning in-flight turns")
	case <-ctx.Done():
	}
}

func (o *Orchestrator) markInflight(walID string) {
	if o.wal != nil && walID != "" {
		o.wal.MarkInflight(walID)
	}
}

func (o *Orchestrator) markDone(walID string) {
	if o.wal != nil && walID != "" {
		o.wal.MarkDone(walID)
	}
}

func (o *Orchestrator) markFailed(walID string, err error) {
	if o.wal != nil && walID != "" {
		o.wal.MarkFailed(walID, err)
	}
}

func (o *Orchestrator) emitEvent(name string, payload map[string]string) {
	if o.events != nil {
		o.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

func (o *Orchestrator) answerCallback(ctx context.Context, callbackQueryID, text string) {
	if callbackQueryID == "" {
		return
	}
	if ca, ok := o.transport.(callbackAnswerer); ok {
		ca.AnswerCallback(ctx, callbackQueryID, text)
	}
}

func (o *Orchestrator) sendTyping(ctx context.Context, env *turn.Envelope) {
	ts, ok := o.transport.(typingSender)
	if !ok {
		return
	}
	chatID, threadID, err := chatAddress(env)
	if err != nil {
		return
	}
	ts.SendTyping(ctx, chatID, threadID)
}
