// Package actor implements the Session Actor (spec.md §4.2): the single
// owner of one session's mutable state. Every public method submits a
// closure onto the actor's own command queue and waits for it to run on the
// actor's single loop goroutine — the same command-queue-with-result
// pattern the teacher's pkg/events/listener.go uses for its LISTEN/UNLISTEN
// commands, generalized here from two command kinds to ten so the session
// actor never needs a mutex around its own state (spec.md §5: "No shared
// mutable session state outside the actor").
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/metrics"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

// AgentSink forwards client input bytes into the agent's duplex stream. Send
// may block — that is the actor-to-agent backpressure point of spec.md §5
// suspension point (c); blocking only stalls this session's own actor loop.
type AgentSink interface {
	Send(ctx context.Context, data []byte) error
}

// PersistenceEnqueuer is the narrow slice of the Persistence Writer the
// actor depends on (spec.md §4.6).
type PersistenceEnqueuer interface {
	Enqueue(e model.Event)
	DrainSession(ctx context.Context, sessionID string) error
}

// InputDedup remembers recently accepted clientInputIds so that retried
// input frames return the original acceptedSeq instead of minting a new one
// (spec.md §6 Input, property 4, scenario S5).
type InputDedup interface {
	SeqFor(sessionID, clientInputID string) (uint64, bool)
	Remember(sessionID, clientInputID string, seq uint64)
}

// ErrInvalidTransition is returned by setStatus/requestInput/resolveInput
// when the requested transition is not in the allowed set.
type ErrInvalidTransition struct {
	From, To string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ErrSessionTerminal is returned by handleInput/handleAgentOutput once the
// session's lifecycle has reached a terminal status (spec.md §3: "A session
// in terminal stopped lifecycle status accepts no new events").
var ErrSessionTerminal = fmt.Errorf("session lifecycle is terminal")

// Deps bundles the actor's external collaborators, all narrow interfaces so
// tests can supply fakes without standing up Postgres or a real socket.
type Deps struct {
	EventStore      eventlog.EventStore
	SessionStore    eventlog.SessionStore    // may be nil; session-row updates become best-effort no-ops
	ConnectionStore eventlog.ConnectionStore // may be nil; session_connections rows become best-effort no-ops
	Writer          PersistenceEnqueuer
	Agent           AgentSink
	Dedup           InputDedup

	MaxEvents            int
	MaxBytes             int
	SubscriberQueueDepth int

	AwaitingInputDefaultTimeout time.Duration

	Logger *slog.Logger
}

// Actor owns one session. Every exported method is safe to call from any
// goroutine; all of them serialize through run.
type Actor struct {
	deps Deps

	jobs   chan func()
	stopCh chan struct{}
	done   chan struct{}

	// Fields below are touched only by the loop goroutine running run().
	session     model.Session
	ring        *ringBuffer
	subscribers map[string]*subscriber
	timer       *time.Timer
}

// New constructs an Actor for an already-persisted session record. Callers
// (the Session Manager) are responsible for the initial Insert/lease claim;
// New only builds the in-memory actor around it.
func New(session model.Session, deps Deps) *Actor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SubscriberQueueDepth <= 0 {
		deps.SubscriberQueueDepth = 256
	}
	a := &Actor{
		deps:        deps,
		jobs:        make(chan func(), 64),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		session:     session,
		ring:        newRingBuffer(deps.MaxEvents, deps.MaxBytes),
		subscribers: make(map[string]*subscriber),
	}
	return a
}

// Run is the actor's single loop goroutine. It must be started before any
// public method is called and must run until Close returns.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.teardown()
			return
		case <-a.stopCh:
			a.teardown()
			return
		case job := <-a.jobs:
			job()
		}
	}
}

// Close stops the loop and releases timers/subscriber pumps. It does not
// flush the Persistence Writer — the Session Manager does that before Close
// as part of removeSession (spec.md §4.3).
func (a *Actor) Close() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.done
}

func (a *Actor) teardown() {
	if a.timer != nil {
		a.timer.Stop()
	}
	for _, sub := range a.subscribers {
		sub.stop()
	}
}

// Shutdown closes every attached subscriber with reason before the actor
// itself is torn down — used by the Session Manager when it loses a lease
// renewal race or force-releases ownership to a peer (spec.md §4.3 lease
// renewal failure, §7 LEASE_LOST).
func (a *Actor) Shutdown(reason wire.ErrCode) {
	a.submit(func() {
		for clientID, sub := range a.subscribers {
			sub.socket.CloseWithReason(reason)
			sub.stop()
			delete(a.subscribers, clientID)
			a.recordDisconnectLocked(clientID)
		}
	})
}

// Seed preloads the ring buffer from events read from the Durable Store.
// It must be called before Run starts — the Session Manager uses it to warm
// a freshly loaded actor's replay window from the event log tail
// (spec.md §4.3 getOrLoadSession: "warm its ring buffer from the tail of the
// event log (best effort)").
func (a *Actor) Seed(events []model.Event, evictedThrough uint64) {
	a.ring.seed(events, evictedThrough)
}

// submit runs fn on the loop goroutine and blocks until it completes.
func (a *Actor) submit(fn func()) {
	done := make(chan struct{})
	job := func() {
		fn()
		close(done)
	}
	select {
	case a.jobs <- job:
	case <-a.stopCh:
		return
	}
	select {
	case <-done:
	case <-a.stopCh:
	}
}

// Snapshot returns a copy of the session's current durable-attribute state.
func (a *Actor) Snapshot() model.Session {
	var out model.Session
	a.submit(func() { out = a.session })
	return out
}

// AttachSubscriber registers clientID and returns events the caller missed
// since lastAckSeq (spec.md §4.2 attachSubscriber). A second attach from the
// same clientID replaces the prior socket.
func (a *Actor) AttachSubscriber(ctx context.Context, clientID string, deviceKind model.DeviceKind, socket Socket, lastAckSeq uint64) ([]model.Event, error) {
	var missed []model.Event
	var replayErr error

	a.submit(func() {
		if existing, ok := a.subscribers[clientID]; ok {
			existing.stop()
			delete(a.subscribers, clientID)
		}

		sub := newSubscriber(clientID, deviceKind, socket, lastAckSeq, a.deps.SubscriberQueueDepth)
		a.subscribers[clientID] = sub
		go sub.pump(a.onSubscriberError, a.deps.Logger)
		a.recordConnectLocked(clientID, deviceKind)

		events, ok := a.ring.replay(lastAckSeq)
		if ok {
			missed = events
			return
		}

		if a.deps.EventStore == nil {
			metrics.RecordReplayMiss()
			replayErr = fmt.Errorf("replay unavailable: no event store configured")
			return
		}
		stored, err := a.deps.EventStore.ReadRange(ctx, a.session.ID, lastAckSeq, 0)
		if err != nil {
			a.deps.Logger.Error("replay read failed", "sessionId", a.session.ID, "error", err)
			replayErr = err
			return
		}
		var latestAssignedSeq uint64
		if a.session.NextSeq > 0 {
			latestAssignedSeq = a.session.NextSeq - 1
		}
		if len(stored) == 0 && lastAckSeq < latestAssignedSeq {
			metrics.RecordReplayMiss()
			replayErr = fmt.Errorf("replay unavailable: events before seq %d are no longer retained", lastAckSeq+1)
			return
		}
		missed = stored
	})

	return missed, replayErr
}

// onSubscriberError runs on a pump goroutine; it hands control back to the
// loop so removal stays serialized with everything else.
func (a *Actor) onSubscriberError(clientID string) {
	a.submit(func() {
		if sub, ok := a.subscribers[clientID]; ok {
			metrics.RecordSlowSubscriberEviction()
			sub.socket.CloseWithReason(wire.ErrSlowSubscriber)
			delete(a.subscribers, clientID)
			a.recordDisconnectLocked(clientID)
		}
	})
}

// DetachSubscriber is a silent no-op if clientID is not attached (spec.md §4.2).
func (a *Actor) DetachSubscriber(clientID string) {
	a.submit(func() {
		if sub, ok := a.subscribers[clientID]; ok {
			sub.stop()
			delete(a.subscribers, clientID)
			a.recordDisconnectLocked(clientID)
		}
	})
}

// UpdateAck records a subscriber's progress and drives ring-buffer retention.
func (a *Actor) UpdateAck(clientID string, seq uint64) {
	a.submit(func() {
		sub, ok := a.subscribers[clientID]
		if !ok {
			return
		}
		sub.lastAckSeq = seq
		a.ring.evictAcked(a.minAckedLocked())
		a.recordAckLocked(clientID, seq)
	})
}

// recordConnectLocked, recordDisconnectLocked and recordAckLocked populate
// the session_connections observability table (spec.md §6 persisted state
// layout). They run fire-and-forget off the loop goroutine, the same
// pattern persistSessionLocked uses, so a slow or unreachable Durable Store
// never stalls the session's own command queue.
func (a *Actor) recordConnectLocked(clientID string, deviceKind model.DeviceKind) {
	if a.deps.ConnectionStore == nil {
		return
	}
	rec := eventlog.ConnectionRecord{
		SessionID:   a.session.ID,
		ClientID:    clientID,
		DeviceKind:  deviceKind,
		ConnectedAt: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.deps.ConnectionStore.RecordConnect(ctx, rec); err != nil {
			a.deps.Logger.Error("connection record insert failed", "sessionId", rec.SessionID, "clientId", clientID, "error", err)
		}
	}()
}

func (a *Actor) recordDisconnectLocked(clientID string) {
	if a.deps.ConnectionStore == nil {
		return
	}
	sessionID := a.session.ID
	at := time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.deps.ConnectionStore.RecordDisconnect(ctx, sessionID, clientID, at); err != nil {
			a.deps.Logger.Error("connection record disconnect failed", "sessionId", sessionID, "clientId", clientID, "error", err)
		}
	}()
}

func (a *Actor) recordAckLocked(clientID string, seq uint64) {
	if a.deps.ConnectionStore == nil {
		return
	}
	sessionID := a.session.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.deps.ConnectionStore.UpdateAck(ctx, sessionID, clientID, seq); err != nil {
			a.deps.Logger.Error("connection record ack update failed", "sessionId", sessionID, "clientId", clientID, "error", err)
		}
	}()
}

func (a *Actor) minAckedLocked() uint64 {
	if len(a.subscribers) == 0 {
		return 0 // nobody has acked anything yet; only hard limits may evict
	}
	min := ^uint64(0)
	for _, sub := range a.subscribers {
		if sub.lastAckSeq < min {
			min = sub.lastAckSeq
		}
	}
	return min
}

// HandleInput appends a client input event and forwards its bytes to the
// agent (spec.md §4.2 handleInput, property 4, scenario S5).
func (a *Actor) HandleInput(ctx context.Context, data []byte, clientInputID string) (uint64, error) {
	var seq uint64
	var sendErr error

	a.submit(func() {
		if a.session.Lifecycle.Terminal() {
			sendErr = ErrSessionTerminal
			return
		}

		if a.deps.Dedup != nil {
			if existing, ok := a.deps.Dedup.SeqFor(a.session.ID, clientInputID); ok {
				seq = existing
				return
			}
		}

		seq = a.appendLocked(model.DirectionClient, model.EventInput, map[string]any{"data": string(data)})

		if a.deps.Dedup != nil {
			a.deps.Dedup.Remember(a.session.ID, clientInputID, seq)
		}

		if a.deps.Agent != nil {
			if err := a.deps.Agent.Send(ctx, data); err != nil {
				sendErr = err
			}
		}
	})

	return seq, sendErr
}

// HandleAgentOutput appends one output_chunk event and fans it out
// (spec.md §4.2 handleAgentOutput). A late chunk arriving after the
// session's lifecycle has gone terminal is dropped: seq 0 is never a valid
// assigned sequence, so callers can detect the no-op from the return value.
func (a *Actor) HandleAgentOutput(data []byte) uint64 {
	var seq uint64
	a.submit(func() {
		if a.session.Lifecycle.Terminal() {
			a.deps.Logger.Warn("dropped agent output on terminal session", "sessionId", a.session.ID)
			return
		}
		seq = a.appendLocked(model.DirectionAgent, model.EventOutputChunk, map[string]any{"data": string(data)})
	})
	return seq
}

// HandleAgentExit emits a state event and transitions lifecycle to stopped
// or error (spec.md §4.2 handleAgentExit).
func (a *Actor) HandleAgentExit(code int, signal string) {
	a.submit(func() {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		to := model.LifecycleStopped
		detail := fmt.Sprintf("agent exited cleanly (code=%d)", code)
		if code != 0 || signal != "" {
			to = model.LifecycleError
			detail = fmt.Sprintf("agent exited with code=%d signal=%s", code, signal)
		}
		a.transitionLifecycleLocked(to, detail)
	})
}

// SetStatus performs a lifecycle transition (spec.md §4.4).
func (a *Actor) SetStatus(newStatus model.LifecycleStatus, detail string) error {
	var err error
	a.submit(func() {
		if !lifecycleAllowed(a.session.Lifecycle, newStatus) {
			err = &ErrInvalidTransition{From: string(a.session.Lifecycle), To: string(newStatus)}
			return
		}
		a.transitionLifecycleLocked(newStatus, detail)
	})
	return err
}

func (a *Actor) transitionLifecycleLocked(to model.LifecycleStatus, detail string) {
	from := a.session.Lifecycle
	a.session.Lifecycle = to
	a.session.LastActivityAt = time.Now().UTC()
	a.appendLocked(model.DirectionSystem, model.EventState, map[string]any{
		"kind": "lifecycle", "from": string(from), "to": string(to), "detail": detail,
	})
	a.persistSessionLocked()

	// The agent becomes live the moment its container reaches running; that
	// is the only signal the core has that work has actually started, since
	// driving the workflow machine otherwise is an agent-adapter concern
	// (spec.md §4.5 started -> working).
	if to == model.LifecycleRunning && a.session.Workflow == model.WorkflowStarted {
		a.advanceWorkflowLocked(model.WorkflowWorking, "agent running")
	}
}

// AdvanceWorkflow performs a workflow transition (spec.md §4.5). It is the
// workflow machine's counterpart to SetStatus: a general hook an external
// adapter (or the core itself, for started -> working) can drive instead of
// requestInput/resolveInput's narrower paths.
func (a *Actor) AdvanceWorkflow(to model.WorkflowStatus, detail string) error {
	var err error
	a.submit(func() {
		if !workflowAllowed(a.session.Workflow, to) {
			err = &ErrInvalidTransition{From: string(a.session.Workflow), To: string(to)}
			return
		}
		a.advanceWorkflowLocked(to, detail)
	})
	return err
}

// advanceWorkflowLocked mutates workflow state and records the transition.
// Callers must already have checked workflowAllowed; it is also invoked from
// transitions the core drives itself (e.g. started -> working) where the
// check already happened inline.
func (a *Actor) advanceWorkflowLocked(to model.WorkflowStatus, detail string) {
	from := a.session.Workflow
	a.session.Workflow = to
	a.session.LastActivityAt = time.Now().UTC()
	a.appendLocked(model.DirectionSystem, model.EventState, map[string]any{
		"kind": "workflow", "from": string(from), "to": string(to), "detail": detail,
	})
	a.persistSessionLocked()
}

// RequestInput transitions workflow to awaiting_input (spec.md §4.2
// requestInput). Only legal from working.
func (a *Actor) RequestInput(question string, options []string, defaultAction string, timeout time.Duration) (time.Time, error) {
	var expiresAt time.Time
	var err error

	a.submit(func() {
		if !workflowAllowed(a.session.Workflow, model.WorkflowAwaitingInput) {
			err = &ErrInvalidTransition{From: string(a.session.Workflow), To: string(model.WorkflowAwaitingInput)}
			return
		}
		if timeout <= 0 {
			timeout = a.deps.AwaitingInputDefaultTimeout
		}
		expiresAt = time.Now().UTC().Add(timeout)

		a.session.Workflow = model.WorkflowAwaitingInput
		a.session.AwaitingInput = &model.AwaitingInput{
			Question:      question,
			Options:       options,
			DefaultAction: defaultAction,
			ExpiresAt:     expiresAt,
		}
		a.session.LastActivityAt = time.Now().UTC()

		a.appendLocked(model.DirectionSystem, model.EventState, map[string]any{
			"kind": "awaiting_input", "question": question, "defaultAction": defaultAction, "expiresAt": expiresAt.Format(time.RFC3339),
		})

		if a.timer != nil {
			a.timer.Stop()
		}
		a.timer = time.AfterFunc(timeout, func() {
			a.submit(func() { a.expireAwaitingInputLocked() })
		})

		a.persistSessionLocked()
	})

	return expiresAt, err
}

// ResolveInput clears awaiting-input state, transitioning workflow back to
// working (spec.md §4.2 resolveInput).
func (a *Actor) ResolveInput(resolution model.InputResolution) error {
	var err error
	a.submit(func() {
		if a.session.Workflow != model.WorkflowAwaitingInput {
			err = &ErrInvalidTransition{From: string(a.session.Workflow), To: string(model.WorkflowWorking)}
			return
		}
		a.resolveInputLocked(resolution)
	})
	return err
}

func (a *Actor) expireAwaitingInputLocked() {
	if a.session.Workflow != model.WorkflowAwaitingInput || a.session.AwaitingInput == nil {
		return
	}
	defaultAction := a.session.AwaitingInput.DefaultAction
	a.resolveInputLocked(model.InputResolution{Type: model.ResolutionTimeout, Value: defaultAction})
}

func (a *Actor) resolveInputLocked(resolution model.InputResolution) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	a.session.Workflow = model.WorkflowWorking
	a.session.AwaitingInput = nil
	a.session.LastResolution = &resolution
	a.session.LastActivityAt = time.Now().UTC()

	message := fmt.Sprintf("Resolved by %s: %s", resolution.Type, resolution.Value)
	if resolution.Type == model.ResolutionTimeout {
		message = fmt.Sprintf("Timeout: proceeding with %s", resolution.Value)
	}

	a.appendLocked(model.DirectionSystem, model.EventState, map[string]any{
		"kind": "resolved", "resolutionType": string(resolution.Type), "resolutionValue": resolution.Value, "message": message,
	})

	a.persistSessionLocked()
}

// appendLocked stamps, buffers, and posts one event. It must only be called
// from the loop goroutine (i.e. from inside a submit closure).
func (a *Actor) appendLocked(direction model.Direction, eventType model.EventType, payload map[string]any) uint64 {
	seq := a.session.NextSeq
	a.session.NextSeq++
	a.session.LastActivityAt = time.Now().UTC()

	e := model.Event{
		SessionID: a.session.ID,
		Seq:       seq,
		Direction: direction,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	a.ring.push(e)
	if a.deps.Writer != nil {
		a.deps.Writer.Enqueue(e)
	}

	a.ring.evictAcked(a.minAckedLocked())
	a.enforceHardLimitsLocked()
	a.fanOutLocked(e)

	return seq
}

// enforceHardLimitsLocked forces a synchronous drain before evicting past
// the ack-based watermark, so a hard-limit eviction never drops an event
// the writer hasn't yet accepted (spec.md §5 backpressure policy (c)).
func (a *Actor) enforceHardLimitsLocked() {
	if !a.ring.exceedsHardLimits() {
		return
	}
	if a.deps.Writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.deps.Writer.DrainSession(ctx, a.session.ID); err != nil {
			a.deps.Logger.Error("forced drain before hard-limit eviction failed", "sessionId", a.session.ID, "error", err)
		}
		cancel()
	}
	for a.ring.exceedsHardLimits() && a.ring.len() > 0 {
		a.ring.evictHead()
	}
}

func (a *Actor) fanOutLocked(e model.Event) {
	frame := &wire.ServerMessage{
		Type: wire.ServerEvent,
		Event: &wire.EventFrame{
			Seq: e.Seq, Direction: string(e.Direction), Type: string(e.Type),
			Payload: e.Payload, CreatedAt: e.CreatedAt.Format(time.RFC3339),
		},
	}
	for clientID, sub := range a.subscribers {
		if !sub.enqueue(frame) {
			metrics.RecordSlowSubscriberEviction()
			sub.stop()
			sub.socket.CloseWithReason(wire.ErrSlowSubscriber)
			delete(a.subscribers, clientID)
			a.recordDisconnectLocked(clientID)
		} else {
			metrics.SubscriberQueueDepth.Observe(float64(len(sub.outbound)))
		}
	}
}

func (a *Actor) persistSessionLocked() {
	if a.deps.SessionStore == nil {
		return
	}
	snapshot := a.session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.deps.SessionStore.Update(ctx, &snapshot); err != nil {
			a.deps.Logger.Error("session row update failed", "sessionId", snapshot.ID, "error", err)
		}
	}()
}
