// Package manager implements the Session Manager (spec.md §4.3): the
// per-gateway owner of the sessionId -> actor map, lease acquisition and
// renewal, and actor teardown on lease loss or explicit removal.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/codeready-toolchain/sessionbroker/pkg/actor"
	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/metrics"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

// ErrAccessElsewhere is returned by GetOrLoadSession when another gateway
// holds a live lease on the requested session (spec.md §4.3, §7 ACCESS_ELSEWHERE).
type ErrAccessElsewhere struct {
	SessionID string
	Holder    string
}

func (e *ErrAccessElsewhere) Error() string {
	return fmt.Sprintf("session %s is held by gateway %s", e.SessionID, e.Holder)
}

// AgentFactory builds the agent-facing sink for a freshly loaded or created
// session. The manager never talks to an agent process directly.
type AgentFactory func(session model.Session) actor.AgentSink

// Config bundles the manager's tunables, mirroring pkg/config's
// LeaseConfig/RingBufferConfig/SessionConfig fields without importing that
// package directly (keeps pkg/manager wireable in tests without pkg/config).
type Config struct {
	GatewayID string

	LeaseTimeout  time.Duration
	RenewInterval time.Duration

	MaxEvents            int
	MaxBytes             int
	SubscriberQueueDepth int

	AwaitingInputDefaultTimeout time.Duration

	// DrainTimeout bounds how long removeSession waits for the Persistence
	// Writer to flush this session's pending events before releasing the
	// lease (spec.md §4.3 "Persistence flush on destruction").
	DrainTimeout time.Duration
}

// Manager owns every actor resident on this gateway process.
type Manager struct {
	cfg             Config
	sessionStore    eventlog.SessionStore
	eventStore      eventlog.EventStore
	connectionStore eventlog.ConnectionStore
	writer          actor.PersistenceEnqueuer
	dedup           actor.InputDedup
	agents          AgentFactory
	logger          *slog.Logger

	mu     sync.RWMutex
	actors map[string]*residentActor

	loadGroup singleflight.Group

	stopCh chan struct{}
	doneCh chan struct{}
}

type residentActor struct {
	actor  *actor.Actor
	cancel context.CancelFunc
}

// Deps bundles the Manager's collaborators.
type Deps struct {
	SessionStore    eventlog.SessionStore
	EventStore      eventlog.EventStore
	ConnectionStore eventlog.ConnectionStore
	Writer          actor.PersistenceEnqueuer
	Dedup           actor.InputDedup
	Agents          AgentFactory
	Logger          *slog.Logger
}

// New constructs a Manager. Call Start to begin the lease renewal loop.
func New(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseTimeout / 3
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:             cfg,
		sessionStore:    deps.SessionStore,
		eventStore:      deps.EventStore,
		connectionStore: deps.ConnectionStore,
		writer:          deps.Writer,
		dedup:           deps.Dedup,
		agents:          deps.Agents,
		logger:          deps.Logger,
		actors:          make(map[string]*residentActor),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the background lease renewal loop. It returns once Stop is
// called or ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.renewAll(ctx)
		}
	}
}

// Stop halts the renewal loop. It does not remove resident sessions — callers
// that need a clean shutdown should RemoveSession each resident ID first.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// CreateSession allocates a new session, persists it, claims its lease for
// this gateway, and spawns its actor (spec.md §4.3 createSession).
func (m *Manager) CreateSession(ctx context.Context, cfg model.SessionConfig) (*actor.Actor, error) {
	now := time.Now().UTC()
	session := &model.Session{
		ID:             uuid.NewString(),
		OwnerUser:      cfg.OwnerUser,
		AgentKind:      cfg.AgentKind,
		WorkingDir:     cfg.WorkingDir,
		WorktreeID:     cfg.WorktreeID,
		RepoID:         cfg.RepoID,
		Lifecycle:      model.LifecycleProvisioning,
		Workflow:       model.WorkflowStarted,
		NextSeq:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.sessionStore.Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	claimed, ok, err := m.sessionStore.CompareAndClaimLease(ctx, session.ID, m.cfg.GatewayID, now, now.Add(m.cfg.LeaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("create session: claim lease: %w", err)
	}
	if !ok {
		// Unreachable in practice (a brand new row has no prior claimant),
		// but handled rather than assumed away.
		return nil, fmt.Errorf("create session: lease already held by %s", claimed.ClaimedBy)
	}

	a := m.spawn(ctx, *claimed)
	metrics.SetSessionsResident(m.SessionCount())
	return a, nil
}

// GetSession returns the actor for sessionID if it is resident on this
// gateway, without touching the Durable Store.
func (m *Manager) GetSession(sessionID string) (*actor.Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.actors[sessionID]
	if !ok {
		return nil, false
	}
	return res.actor, true
}

// GetOrLoadSession returns the resident actor, loading and claiming the
// session from the Durable Store if it is not already resident
// (spec.md §4.3 getOrLoadSession). Concurrent callers for the same sessionID
// collapse into a single load via singleflight.
func (m *Manager) GetOrLoadSession(ctx context.Context, sessionID string) (*actor.Actor, error) {
	if a, ok := m.GetSession(sessionID); ok {
		return a, nil
	}

	v, err, _ := m.loadGroup.Do(sessionID, func() (any, error) {
		return m.loadAndClaim(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*actor.Actor), nil
}

func (m *Manager) loadAndClaim(ctx context.Context, sessionID string) (*actor.Actor, error) {
	if a, ok := m.GetSession(sessionID); ok {
		return a, nil
	}

	session, err := m.sessionStore.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if session.ClaimedBy != "" && session.ClaimedBy != m.cfg.GatewayID && session.LeaseExpiresAt.After(now) {
		return nil, &ErrAccessElsewhere{SessionID: sessionID, Holder: session.ClaimedBy}
	}

	claimed, ok, err := m.sessionStore.CompareAndClaimLease(ctx, sessionID, m.cfg.GatewayID, now, now.Add(m.cfg.LeaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("load session: claim lease: %w", err)
	}
	if !ok {
		return nil, &ErrAccessElsewhere{SessionID: sessionID, Holder: claimed.ClaimedBy}
	}

	a := m.spawn(ctx, *claimed)
	m.warmRingBuffer(ctx, a, *claimed)
	metrics.SetSessionsResident(m.SessionCount())
	return a, nil
}

func (m *Manager) spawn(ctx context.Context, session model.Session) *actor.Actor {
	var agent actor.AgentSink
	if m.agents != nil {
		agent = m.agents(session)
	}

	a := actor.New(session, actor.Deps{
		EventStore:                  m.eventStore,
		SessionStore:                m.sessionStore,
		ConnectionStore:             m.connectionStore,
		Writer:                      m.writer,
		Agent:                       agent,
		Dedup:                       m.dedup,
		MaxEvents:                   m.cfg.MaxEvents,
		MaxBytes:                    m.cfg.MaxBytes,
		SubscriberQueueDepth:        m.cfg.SubscriberQueueDepth,
		AwaitingInputDefaultTimeout: m.cfg.AwaitingInputDefaultTimeout,
		Logger:                      m.logger,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go a.Run(runCtx)

	m.mu.Lock()
	m.actors[session.ID] = &residentActor{actor: a, cancel: cancel}
	m.mu.Unlock()

	return a
}

// warmRingBuffer best-effort preloads the tail of the event log so a
// recently reconnected subscriber doesn't immediately fall back to the
// Durable Store for events still within the ring buffer's normal window
// (spec.md §4.3 getOrLoadSession). Failure here is logged, not fatal —
// replay still works via EventStore.ReadRange.
func (m *Manager) warmRingBuffer(ctx context.Context, a *actor.Actor, session model.Session) {
	if m.eventStore == nil || session.NextSeq <= 1 {
		return
	}
	var fromSeq uint64
	latest := session.NextSeq - 1
	if m.cfg.MaxEvents > 0 && latest > uint64(m.cfg.MaxEvents) {
		fromSeq = latest - uint64(m.cfg.MaxEvents)
	}
	events, err := m.eventStore.ReadRange(ctx, session.ID, fromSeq, 0)
	if err != nil {
		m.logger.Warn("ring buffer warm-start failed", "sessionId", session.ID, "error", err)
		return
	}
	a.Seed(events, fromSeq)
}

// RemoveSession transitions sessionID to stopping, drains its pending
// persistence writes, releases its lease, and removes its actor
// (spec.md §4.3 removeSession).
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	res, ok := m.actors[sessionID]
	if ok {
		delete(m.actors, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	_ = res.actor.SetStatus(model.LifecycleStopping, "removed by session manager")
	res.actor.Shutdown(wire.ErrSessionNotFound)

	if m.writer != nil {
		drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
		if err := m.writer.DrainSession(drainCtx, sessionID); err != nil {
			m.logger.Error("drain before session removal failed, proceeding anyway", "sessionId", sessionID, "error", err)
		}
		cancel()
	}

	if err := m.sessionStore.ReleaseLease(ctx, sessionID, m.cfg.GatewayID); err != nil {
		m.logger.Error("release lease on removal failed", "sessionId", sessionID, "error", err)
	}

	res.cancel()
	res.actor.Close()
	metrics.SetSessionsResident(m.SessionCount())
	return nil
}

// ForceReleaseLease drops this gateway's ownership of sessionID, for use when
// a peer gateway's ForceReleaseLease RPC (pkg/peercontrol) asks this gateway
// to hand off ownership. It closes subscribers with LEASE_LOST, makes one
// drain attempt bounded by DrainTimeout, and releases the lease whether or
// not that drain succeeded.
func (m *Manager) ForceReleaseLease(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	res, ok := m.actors[sessionID]
	if ok {
		delete(m.actors, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return m.sessionStore.ReleaseLease(ctx, sessionID, m.cfg.GatewayID)
	}

	res.actor.Shutdown(wire.ErrLeaseLost)
	if m.writer != nil {
		drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
		_ = m.writer.DrainSession(drainCtx, sessionID)
		cancel()
	}
	err := m.sessionStore.ReleaseLease(ctx, sessionID, m.cfg.GatewayID)
	res.cancel()
	res.actor.Close()
	return err
}

// SessionCount reports how many sessions are resident on this gateway.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// Info returns a snapshot of every resident session's durable attributes,
// for health/debug reporting (spec.md §4.3 getInfo).
func (m *Manager) Info() []model.Session {
	m.mu.RLock()
	residents := make([]*residentActor, 0, len(m.actors))
	for _, res := range m.actors {
		residents = append(residents, res)
	}
	m.mu.RUnlock()

	out := make([]model.Session, 0, len(residents))
	for _, res := range residents {
		out = append(out, res.actor.Snapshot())
	}
	return out
}

// renewAll renews every resident session's lease. A renewal failure is
// treated as lost ownership: the actor's subscribers are closed with
// LEASE_LOST and the actor is removed locally (spec.md §4.3 "Lease renewal").
func (m *Manager) renewAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	for _, id := range ids {
		err := m.sessionStore.RenewLease(ctx, id, m.cfg.GatewayID, now.Add(m.cfg.LeaseTimeout))
		if err == nil {
			metrics.RecordLeaseRenewal("ok")
			continue
		}
		metrics.RecordLeaseRenewal("lost")
		m.logger.Warn("lease renewal failed, treating as ownership loss", "sessionId", id, "error", err)
		m.evictLost(id)
	}
	metrics.SetSessionsResident(m.SessionCount())
}

func (m *Manager) evictLost(sessionID string) {
	m.mu.Lock()
	res, ok := m.actors[sessionID]
	if ok {
		delete(m.actors, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	res.actor.Shutdown(wire.ErrLeaseLost)
	res.cancel()
	res.actor.Close()
}
