package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

type fakeSessions struct {
	mu sync.Mutex

	list []*model.Session

	staleLeaseCalls, idleCalls, oldCalls int
	minAcked                             map[string]uint64
}

func (f *fakeSessions) Insert(ctx context.Context, s *model.Session) error { return nil }
func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return nil, nil
}
func (f *fakeSessions) Update(ctx context.Context, s *model.Session) error { return nil }
func (f *fakeSessions) List(ctx context.Context) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}
func (f *fakeSessions) CompareAndClaimLease(ctx context.Context, sessionID, gatewayID string, now, newExpiry time.Time) (*model.Session, bool, error) {
	return nil, false, nil
}
func (f *fakeSessions) RenewLease(ctx context.Context, sessionID, gatewayID string, newExpiry time.Time) error {
	return nil
}
func (f *fakeSessions) ReleaseLease(ctx context.Context, sessionID, gatewayID string) error {
	return nil
}
func (f *fakeSessions) MarkStoppedIfStaleLease(ctx context.Context, threshold time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleLeaseCalls++
	return nil, nil
}
func (f *fakeSessions) MarkStoppedIfIdle(ctx context.Context, threshold time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCalls++
	return nil, nil
}
func (f *fakeSessions) MarkStoppedIfOld(ctx context.Context, threshold time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oldCalls++
	return nil, nil
}
func (f *fakeSessions) MinAckedSeq(ctx context.Context, sessionID string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.minAcked[sessionID]
	return seq, ok, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	deletedUpTo map[string]uint64
}

func (f *fakeEvents) AppendBatch(ctx context.Context, events []model.Event) error { return nil }
func (f *fakeEvents) ReadRange(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]model.Event, error) {
	return nil, nil
}
func (f *fakeEvents) DeleteUpTo(ctx context.Context, sessionID string, watermark uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deletedUpTo == nil {
		f.deletedUpTo = map[string]uint64{}
	}
	f.deletedUpTo[sessionID] = watermark
	return int64(watermark - 1), nil
}
func (f *fakeEvents) LatestSeq(ctx context.Context, sessionID string) (uint64, error) { return 0, nil }

func TestScheduler_RunAll_SweepsEverything(t *testing.T) {
	now := time.Now().UTC()
	sessions := &fakeSessions{
		list: []*model.Session{
			{ID: "quiet", LastActivityAt: now.Add(-time.Hour)},
			{ID: "active", LastActivityAt: now},
		},
		minAcked: map[string]uint64{"quiet": 41, "active": 100},
	}
	events := &fakeEvents{}

	cfg := Config{
		Interval:           time.Hour,
		StaleLeaseTimeout:  time.Minute,
		IdleTimeout:        time.Minute,
		MaxSessionAge:      time.Hour,
		EventRetentionTail: 10 * time.Minute,
	}
	s := New(cfg, sessions, events, nil, nil)

	s.runAll(context.Background())

	assert.Equal(t, 1, sessions.staleLeaseCalls)
	assert.Equal(t, 1, sessions.idleCalls)
	assert.Equal(t, 1, sessions.oldCalls)

	require.Contains(t, events.deletedUpTo, "quiet")
	assert.Equal(t, uint64(42), events.deletedUpTo["quiet"])
	assert.NotContains(t, events.deletedUpTo, "active", "a recently active session must not have its events swept yet")
}

func TestScheduler_StartStop(t *testing.T) {
	sessions := &fakeSessions{}
	events := &fakeEvents{}
	cfg := Config{Interval: 5 * time.Millisecond}
	s := New(cfg, sessions, events, nil, nil)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	sessions.mu.Lock()
	calls := sessions.staleLeaseCalls
	sessions.mu.Unlock()
	assert.Greater(t, calls, 0, "the sweep loop must have run at least once")
}
