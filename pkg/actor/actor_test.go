package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/sessionbroker/pkg/dedup"
	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

// recordingSocket captures every frame sent to it; Send never blocks.
type recordingSocket struct {
	mu       sync.Mutex
	received []*wire.ServerMessage
	closedAs wire.ErrCode
	closed   bool
}

func (s *recordingSocket) Send(msg *wire.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return nil
}

func (s *recordingSocket) CloseWithReason(code wire.ErrCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closedAs = code
}

func (s *recordingSocket) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.received))
	for _, m := range s.received {
		out = append(out, m.Event.Seq)
	}
	return out
}

// blockingSocket never returns from Send until release is closed, used to
// force its subscriber's outbound queue to back up (scenario S2).
type blockingSocket struct {
	release chan struct{}

	mu       sync.Mutex
	closed   bool
	closedAs wire.ErrCode
}

func newBlockingSocket() *blockingSocket { return &blockingSocket{release: make(chan struct{})} }

func (s *blockingSocket) Send(msg *wire.ServerMessage) error {
	<-s.release
	return nil
}

func (s *blockingSocket) CloseWithReason(code wire.ErrCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closedAs = code
}

func (s *blockingSocket) isClosed() (bool, wire.ErrCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closedAs
}

type fakeEventStore struct {
	mu   sync.Mutex
	rows map[string][]model.Event
}

func newFakeEventStore() *fakeEventStore { return &fakeEventStore{rows: map[string][]model.Event{}} }

func (f *fakeEventStore) AppendBatch(ctx context.Context, events []model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		f.rows[e.SessionID] = append(f.rows[e.SessionID], e)
	}
	return nil
}

func (f *fakeEventStore) ReadRange(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Event
	for _, e := range f.rows[sessionID] {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventStore) DeleteUpTo(ctx context.Context, sessionID string, watermark uint64) (int64, error) {
	return 0, nil
}

func (f *fakeEventStore) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for _, e := range f.rows[sessionID] {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

// passthroughWriter posts straight to a fakeEventStore, standing in for the
// real Persistence Writer in tests that don't exercise batching/backoff.
type passthroughWriter struct {
	store *fakeEventStore
}

func (w *passthroughWriter) Enqueue(e model.Event) {
	_ = w.store.AppendBatch(context.Background(), []model.Event{e})
}

func (w *passthroughWriter) DrainSession(ctx context.Context, sessionID string) error {
	return nil
}

type fakeConnectionStore struct {
	mu          sync.Mutex
	connects    []eventlog.ConnectionRecord
	disconnects []string
	acks        []uint64
}

func (f *fakeConnectionStore) RecordConnect(ctx context.Context, rec eventlog.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, rec)
	return nil
}

func (f *fakeConnectionStore) RecordDisconnect(ctx context.Context, sessionID, clientID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, clientID)
	return nil
}

func (f *fakeConnectionStore) UpdateAck(ctx context.Context, sessionID, clientID string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, seq)
	return nil
}

func (f *fakeConnectionStore) MarkStaleDisconnected(ctx context.Context, at time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeConnectionStore) snapshot() (connects int, disconnects int, acks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects), len(f.disconnects), len(f.acks)
}

type fakeAgentSink struct {
	mu  sync.Mutex
	got [][]byte
}

func (a *fakeAgentSink) Send(ctx context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, append([]byte(nil), data...))
	return nil
}

func newTestSession(id string) model.Session {
	now := time.Now().UTC()
	return model.Session{
		ID: id, OwnerUser: "alice", AgentKind: "claude-code", WorkingDir: "/repo",
		Lifecycle: model.LifecycleRunning, Workflow: model.WorkflowWorking,
		NextSeq: 1, CreatedAt: now, LastActivityAt: now,
	}
}

func startActor(t *testing.T, deps Deps) *Actor {
	t.Helper()
	return startActorWithSession(t, newTestSession("sess-1"), deps)
}

func startActorWithSession(t *testing.T, session model.Session, deps Deps) *Actor {
	t.Helper()
	a := New(session, deps)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		a.Close()
	})
	return a
}

func TestActor_MonotoneSequence(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	var last uint64
	for i := 0; i < 50; i++ {
		seq := a.HandleAgentOutput([]byte("chunk"))
		if i > 0 {
			assert.Equal(t, last+1, seq)
		}
		last = seq
	}
}

func TestActor_AttachSubscriber_ReplayFromRingBuffer(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	for i := 0; i < 100; i++ {
		a.HandleAgentOutput([]byte("chunk"))
	}

	sock := &recordingSocket{}
	missed, err := a.AttachSubscriber(context.Background(), "dev-1", model.DeviceDesktop, sock, 40)
	require.NoError(t, err)
	require.Len(t, missed, 60)
	assert.Equal(t, uint64(41), missed[0].Seq)
	assert.Equal(t, uint64(100), missed[len(missed)-1].Seq)
}

func TestActor_AttachSubscriber_FallsBackToStore(t *testing.T) {
	store := newFakeEventStore()
	deps := Deps{MaxEvents: 5, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, EventStore: store, Writer: &passthroughWriter{store: store}}
	a := startActor(t, deps)

	// Beyond the ring buffer's 5-event cap, older events survive only in
	// the store (AppendBatch happened via the passthrough writer).
	for i := 0; i < 20; i++ {
		a.HandleAgentOutput([]byte("chunk"))
	}

	sock := &recordingSocket{}
	missed, err := a.AttachSubscriber(context.Background(), "dev-1", model.DeviceDesktop, sock, 2)
	require.NoError(t, err)
	require.Len(t, missed, 18)
	assert.Equal(t, uint64(3), missed[0].Seq)
}

func TestActor_AttachSubscriber_ReplayUnavailable(t *testing.T) {
	store := newFakeEventStore()
	// Simulate retention having already deleted old rows: the store has
	// nothing for this session even though NextSeq=21 shows 20 events happened.
	deps := Deps{MaxEvents: 5, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, EventStore: store, Writer: nil}
	a := startActor(t, deps)

	for i := 0; i < 20; i++ {
		a.HandleAgentOutput([]byte("chunk"))
	}

	sock := &recordingSocket{}
	_, err := a.AttachSubscriber(context.Background(), "dev-1", model.DeviceDesktop, sock, 2)
	require.Error(t, err)
}

func TestActor_SlowSubscriberEviction(t *testing.T) {
	deps := Deps{MaxEvents: 10000, MaxBytes: 1 << 20, SubscriberQueueDepth: 4}
	a := startActor(t, deps)

	sock := newBlockingSocket()
	t.Cleanup(func() { close(sock.release) })

	_, err := a.AttachSubscriber(context.Background(), "dev-1", model.DeviceDesktop, sock, 0)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		a.HandleAgentOutput([]byte("chunk"))
	}

	require.Eventually(t, func() bool {
		closed, _ := sock.isClosed()
		return closed
	}, time.Second, time.Millisecond)
	_, reason := sock.isClosed()
	assert.Equal(t, wire.ErrSlowSubscriber, reason)

	// A fresh subscriber attaching right after must still see everything.
	fresh := &recordingSocket{}
	missed, err := a.AttachSubscriber(context.Background(), "dev-2", model.DeviceDesktop, fresh, 0)
	require.NoError(t, err)
	assert.Len(t, missed, 1000)
}

func TestActor_RequestInput_Timeout(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, AwaitingInputDefaultTimeout: time.Minute})

	_, err := a.RequestInput("pick one", []string{"A", "B"}, "A", 30*time.Millisecond)
	require.NoError(t, err)

	snap := a.Snapshot()
	require.Equal(t, model.WorkflowAwaitingInput, snap.Workflow)

	require.Eventually(t, func() bool {
		return a.Snapshot().Workflow == model.WorkflowWorking
	}, time.Second, 5*time.Millisecond)

	final := a.Snapshot()
	require.NotNil(t, final.LastResolution)
	assert.Equal(t, model.ResolutionTimeout, final.LastResolution.Type)
	assert.Equal(t, "A", final.LastResolution.Value)
}

func TestActor_DuplicateInput(t *testing.T) {
	d := dedup.New(time.Minute)
	sink := &fakeAgentSink{}
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, Dedup: d, Agent: sink})

	seq1, err := a.HandleInput(context.Background(), []byte("hi"), "client-input-x")
	require.NoError(t, err)

	seq2, err := a.HandleInput(context.Background(), []byte("hi"), "client-input-x")
	require.NoError(t, err)

	assert.Equal(t, seq1, seq2)
	sink.mu.Lock()
	assert.Len(t, sink.got, 1, "only the first input frame should reach the agent")
	sink.mu.Unlock()
}

func TestActor_InvalidLifecycleTransition(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	require.NoError(t, a.SetStatus(model.LifecycleStopping, "draining"))
	require.NoError(t, a.SetStatus(model.LifecycleStopped, "drained"))

	err := a.SetStatus(model.LifecycleRunning, "should fail")
	require.Error(t, err)

	snap := a.Snapshot()
	assert.Equal(t, model.LifecycleStopped, snap.Lifecycle, "lifecycle status must be unchanged after a rejected transition")
}

func TestActor_InvalidWorkflowTransition(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	err := a.ResolveInput(model.InputResolution{Type: model.ResolutionHuman, Value: "nope"})
	require.Error(t, err, "resolveInput must fail when not currently awaiting_input")

	snap := a.Snapshot()
	assert.Equal(t, model.WorkflowWorking, snap.Workflow)
}

func TestActor_DetachSubscriber_NoopIfAbsent(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})
	a.DetachSubscriber("never-attached")
}

// TestActor_WorkflowStartedAdvancesToWorking covers the only transition the
// core drives on its own: an agent reaching the running lifecycle moves a
// freshly created session's workflow from started to working.
func TestActor_WorkflowStartedAdvancesToWorking(t *testing.T) {
	session := newTestSession("sess-1")
	session.Lifecycle = model.LifecycleStarting
	session.Workflow = model.WorkflowStarted

	a := startActorWithSession(t, session, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	require.NoError(t, a.SetStatus(model.LifecycleRunning, "agent container is up"))

	snap := a.Snapshot()
	assert.Equal(t, model.LifecycleRunning, snap.Lifecycle)
	assert.Equal(t, model.WorkflowWorking, snap.Workflow)
}

// TestActor_AdvanceWorkflow_FullCycle exercises the workflow transitions that
// RequestInput/ResolveInput never touch: blocked, awaiting_review, completed.
func TestActor_AdvanceWorkflow_FullCycle(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	require.NoError(t, a.AdvanceWorkflow(model.WorkflowBlocked, "waiting on external approval"))
	assert.Equal(t, model.WorkflowBlocked, a.Snapshot().Workflow)

	require.NoError(t, a.AdvanceWorkflow(model.WorkflowWorking, "approval received"))
	assert.Equal(t, model.WorkflowWorking, a.Snapshot().Workflow)

	require.NoError(t, a.AdvanceWorkflow(model.WorkflowAwaitingReview, "changes ready for review"))
	assert.Equal(t, model.WorkflowAwaitingReview, a.Snapshot().Workflow)

	require.NoError(t, a.AdvanceWorkflow(model.WorkflowCompleted, "review approved"))
	assert.Equal(t, model.WorkflowCompleted, a.Snapshot().Workflow)
}

// TestActor_AdvanceWorkflow_CompletedIsTerminal is scenario S6 against the
// workflow machine it actually describes: from completed,
// AdvanceWorkflow(working) must fail with INVALID_TRANSITION, not silently succeed.
func TestActor_AdvanceWorkflow_CompletedIsTerminal(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	require.NoError(t, a.AdvanceWorkflow(model.WorkflowAwaitingReview, "ready"))
	require.NoError(t, a.AdvanceWorkflow(model.WorkflowCompleted, "approved"))

	err := a.AdvanceWorkflow(model.WorkflowWorking, "should fail")
	require.Error(t, err)

	snap := a.Snapshot()
	assert.Equal(t, model.WorkflowCompleted, snap.Workflow, "workflow status must be unchanged after a rejected transition")
}

// TestActor_TerminalLifecycleRejectsNewInput covers the §3 invariant that a
// session in terminal stopped lifecycle accepts no new events.
func TestActor_TerminalLifecycleRejectsNewInput(t *testing.T) {
	sink := &fakeAgentSink{}
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, Agent: sink})

	a.HandleAgentExit(0, "")
	require.Equal(t, model.LifecycleStopped, a.Snapshot().Lifecycle)

	_, err := a.HandleInput(context.Background(), []byte("too late"), "client-input-late")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionTerminal)

	sink.mu.Lock()
	assert.Empty(t, sink.got, "input after a terminal lifecycle must never reach the agent")
	sink.mu.Unlock()
}

// TestActor_TerminalLifecycleDropsLateAgentOutput covers the same invariant
// for agent-originated output chunks, which have no error channel of their
// own and are dropped rather than rejected.
func TestActor_TerminalLifecycleDropsLateAgentOutput(t *testing.T) {
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64})

	before := a.HandleAgentOutput([]byte("ok"))
	require.NotZero(t, before)

	a.HandleAgentExit(1, "")
	require.Equal(t, model.LifecycleError, a.Snapshot().Lifecycle)

	after := a.HandleAgentOutput([]byte("too late"))
	assert.Zero(t, after, "output chunks after a terminal lifecycle must be dropped, not appended")
}

// TestActor_ConnectionStore_RecordsAttachDetachAck grounds the
// session_connections observability table: attach, ack and detach must all
// reach the ConnectionStore.
func TestActor_ConnectionStore_RecordsAttachDetachAck(t *testing.T) {
	conns := &fakeConnectionStore{}
	a := startActor(t, Deps{MaxEvents: 1000, MaxBytes: 1 << 20, SubscriberQueueDepth: 64, ConnectionStore: conns})

	sock := &recordingSocket{}
	_, err := a.AttachSubscriber(context.Background(), "dev-1", model.DeviceDesktop, sock, 0)
	require.NoError(t, err)

	a.UpdateAck("dev-1", 5)
	a.DetachSubscriber("dev-1")

	require.Eventually(t, func() bool {
		connects, disconnects, acks := conns.snapshot()
		return connects == 1 && disconnects == 1 && acks == 1
	}, time.Second, 5*time.Millisecond)
}
