package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/sessionbroker/pkg/actor"
	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*model.Session{}}
}

func (m *memSessionStore) clone(s *model.Session) *model.Session {
	c := *s
	return &c
}

func (m *memSessionStore) Insert(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = m.clone(s)
	return nil
}

func (m *memSessionStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, eventlog.ErrNotFound
	}
	return m.clone(s), nil
}

func (m *memSessionStore) Update(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[s.ID]
	if !ok {
		return eventlog.ErrNotFound
	}
	updated := m.clone(s)
	updated.ClaimedBy = existing.ClaimedBy
	updated.LeaseExpiresAt = existing.LeaseExpiresAt
	m.sessions[s.ID] = updated
	return nil
}

func (m *memSessionStore) List(ctx context.Context) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.clone(s))
	}
	return out, nil
}

func (m *memSessionStore) CompareAndClaimLease(ctx context.Context, sessionID, gatewayID string, now, newExpiry time.Time) (*model.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, eventlog.ErrNotFound
	}
	if s.ClaimedBy != "" && s.ClaimedBy != gatewayID && s.LeaseExpiresAt.After(now) {
		return m.clone(s), false, nil
	}
	s.ClaimedBy = gatewayID
	s.LeaseExpiresAt = newExpiry
	return m.clone(s), true, nil
}

func (m *memSessionStore) RenewLease(ctx context.Context, sessionID, gatewayID string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return eventlog.ErrNotFound
	}
	if s.ClaimedBy != gatewayID {
		return assert.AnError
	}
	s.LeaseExpiresAt = newExpiry
	return nil
}

func (m *memSessionStore) ReleaseLease(ctx context.Context, sessionID, gatewayID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.ClaimedBy == gatewayID {
		s.ClaimedBy = ""
		s.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (m *memSessionStore) MarkStoppedIfStaleLease(ctx context.Context, threshold time.Time) ([]string, error) {
	return nil, nil
}
func (m *memSessionStore) MarkStoppedIfIdle(ctx context.Context, threshold time.Time) ([]string, error) {
	return nil, nil
}
func (m *memSessionStore) MarkStoppedIfOld(ctx context.Context, threshold time.Time) ([]string, error) {
	return nil, nil
}
func (m *memSessionStore) MinAckedSeq(ctx context.Context, sessionID string) (uint64, bool, error) {
	return 0, false, nil
}

type noopWriter struct{}

func (noopWriter) Enqueue(e model.Event)                               {}
func (noopWriter) DrainSession(ctx context.Context, sessionID string) error { return nil }

func testConfig() Config {
	return Config{
		GatewayID:            "gw-1",
		LeaseTimeout:         60 * time.Millisecond,
		RenewInterval:        15 * time.Millisecond,
		MaxEvents:            1000,
		MaxBytes:             1 << 20,
		SubscriberQueueDepth: 64,
		DrainTimeout:         time.Second,
	}
}

func TestManager_CreateAndGetSession(t *testing.T) {
	store := newMemSessionStore()
	m := New(testConfig(), Deps{SessionStore: store, Writer: noopWriter{}})

	a, err := m.CreateSession(context.Background(), model.SessionConfig{OwnerUser: "alice", AgentKind: "claude-code"})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1, m.SessionCount())

	snap := a.Snapshot()
	got, ok := m.GetSession(snap.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestManager_GetOrLoadSession_AccessElsewhere(t *testing.T) {
	store := newMemSessionStore()
	m := New(testConfig(), Deps{SessionStore: store, Writer: noopWriter{}})

	now := time.Now().UTC()
	session := &model.Session{
		ID: "sess-remote", Lifecycle: model.LifecycleRunning, Workflow: model.WorkflowWorking,
		NextSeq: 1, CreatedAt: now, LastActivityAt: now,
		ClaimedBy: "gw-other", LeaseExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.Insert(context.Background(), session))

	_, err := m.GetOrLoadSession(context.Background(), "sess-remote")
	require.Error(t, err)
	var accessErr *ErrAccessElsewhere
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, "gw-other", accessErr.Holder)
}

func TestManager_GetOrLoadSession_ClaimsExpiredLease(t *testing.T) {
	store := newMemSessionStore()
	m := New(testConfig(), Deps{SessionStore: store, Writer: noopWriter{}})

	now := time.Now().UTC()
	session := &model.Session{
		ID: "sess-expired", Lifecycle: model.LifecycleRunning, Workflow: model.WorkflowWorking,
		NextSeq: 1, CreatedAt: now, LastActivityAt: now,
		ClaimedBy: "gw-other", LeaseExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, store.Insert(context.Background(), session))

	a, err := m.GetOrLoadSession(context.Background(), "sess-expired")
	require.NoError(t, err)
	require.NotNil(t, a)

	got, err := store.Get(context.Background(), "sess-expired")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", got.ClaimedBy)
}

// TestManager_LeaseRenewalLoss exercises scenario S4: another gateway steals
// the lease while this gateway's renewal loop is paused (simulating a
// missed/slow renewal), and the next renewal attempt must evict the actor.
func TestManager_LeaseRenewalLoss(t *testing.T) {
	store := newMemSessionStore()
	cfg := testConfig()
	cfg.RenewInterval = time.Hour // renewal driven manually below, not by the ticker
	m := New(cfg, Deps{SessionStore: store, Writer: noopWriter{}})

	a, err := m.CreateSession(context.Background(), model.SessionConfig{OwnerUser: "alice"})
	require.NoError(t, err)
	snap := a.Snapshot()

	// The real lease hasn't expired, but a rival gateway claiming it
	// reflects what would happen had this gateway's renewal lapsed past
	// LeaseTimeout (e.g. a GC pause or a missed tick) — either way, the
	// Durable Store no longer attributes the session to this gateway.
	_, stole, err := store.CompareAndClaimLease(context.Background(), snap.ID, "gw-rival", snap.LeaseExpiresAt.Add(-time.Millisecond), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.False(t, stole, "lease is still live, so a clean CAS must fail")
	// Force the row's claim directly, as if MarkStoppedIfStaleLease-style
	// reclaiming had already happened out from under this gateway.
	session, err := store.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	session.ClaimedBy = "gw-rival"
	store.mu.Lock()
	store.sessions[snap.ID] = session
	store.mu.Unlock()

	m.renewAll(context.Background())

	_, ok := m.GetSession(snap.ID)
	assert.False(t, ok, "manager must evict the actor once its renewal is rejected by the store")
}

func TestManager_RemoveSession(t *testing.T) {
	store := newMemSessionStore()
	m := New(testConfig(), Deps{SessionStore: store, Writer: noopWriter{}})

	a, err := m.CreateSession(context.Background(), model.SessionConfig{OwnerUser: "alice"})
	require.NoError(t, err)
	snap := a.Snapshot()

	require.NoError(t, m.RemoveSession(context.Background(), snap.ID))
	_, ok := m.GetSession(snap.ID)
	assert.False(t, ok)

	got, err := store.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.ClaimedBy, "lease must be released on removal")
}

var _ actor.PersistenceEnqueuer = noopWriter{}
