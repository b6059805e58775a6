// Package cleanup implements the Cleanup Scheduler (spec.md §4.7): a single
// ticker driving five bounded, idempotent sweeps over the Durable Store.
// Every sweep is safe to run concurrently from multiple gateway processes.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
)

// Config controls sweep timing and thresholds (spec.md §4.7).
type Config struct {
	Interval           time.Duration
	StaleLeaseTimeout  time.Duration
	IdleTimeout        time.Duration
	MaxSessionAge      time.Duration
	EventRetentionTail time.Duration
}

// Scheduler periodically enforces retention policy across every session in
// the Durable Store, independent of which gateway's actors are resident.
type Scheduler struct {
	cfgMu      sync.RWMutex
	cfg        Config
	sessions   eventlog.SessionStore
	events     eventlog.EventStore
	connection eventlog.ConnectionStore
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler. Call Start to begin the sweep loop.
func New(cfg Config, sessions eventlog.SessionStore, events eventlog.EventStore, connections eventlog.ConnectionStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, sessions: sessions, events: events, connection: connections, logger: logger}
}

// Start launches the background sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("cleanup scheduler started", "interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup scheduler stopped")
}

// UpdateConfig swaps the sweep thresholds in effect for the next tick.
// Called from the config hot-reload path (pkg/config.Holder) when the
// backing .env file changes; the ticker's own period is fixed at Start and
// unaffected, matching the "additive, never resizes a live resource"
// hot-reload contract in SPEC_FULL.md §2.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg.StaleLeaseTimeout = cfg.StaleLeaseTimeout
	s.cfg.IdleTimeout = cfg.IdleTimeout
	s.cfg.MaxSessionAge = cfg.MaxSessionAge
	s.cfg.EventRetentionTail = cfg.EventRetentionTail
	s.cfgMu.Unlock()
}

func (s *Scheduler) currentConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	s.sweepStaleLeases(ctx)
	s.sweepIdleSessions(ctx)
	s.sweepOldSessions(ctx)
	s.sweepOldEvents(ctx)
	s.sweepStaleConnections(ctx)
}

func (s *Scheduler) sweepStaleLeases(ctx context.Context) {
	threshold := time.Now().UTC().Add(-s.currentConfig().StaleLeaseTimeout)
	ids, err := s.sessions.MarkStoppedIfStaleLease(ctx, threshold)
	if err != nil {
		s.logger.Error("cleanup: stale lease sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("cleanup: stopped sessions with stale leases", "count", len(ids))
	}
}

func (s *Scheduler) sweepIdleSessions(ctx context.Context) {
	threshold := time.Now().UTC().Add(-s.currentConfig().IdleTimeout)
	ids, err := s.sessions.MarkStoppedIfIdle(ctx, threshold)
	if err != nil {
		s.logger.Error("cleanup: idle session sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("cleanup: stopped idle sessions", "count", len(ids))
	}
}

func (s *Scheduler) sweepOldSessions(ctx context.Context) {
	threshold := time.Now().UTC().Add(-s.currentConfig().MaxSessionAge)
	ids, err := s.sessions.MarkStoppedIfOld(ctx, threshold)
	if err != nil {
		s.logger.Error("cleanup: max-age session sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("cleanup: stopped sessions past max age", "count", len(ids))
	}
}

// sweepOldEvents deletes events every attached subscriber has already acked,
// for sessions quiet for at least EventRetentionTail — the tail keeps a
// short safety margin past ack for a client reconnecting right after acking
// (spec.md §9 "Event retention past ack").
func (s *Scheduler) sweepOldEvents(ctx context.Context) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.logger.Error("cleanup: event sweep failed listing sessions", "error", err)
		return
	}
	quietBefore := time.Now().UTC().Add(-s.currentConfig().EventRetentionTail)

	var totalDeleted int64
	for _, session := range sessions {
		if session.LastActivityAt.After(quietBefore) {
			continue
		}
		minAcked, ok, err := s.sessions.MinAckedSeq(ctx, session.ID)
		if err != nil {
			s.logger.Error("cleanup: min-acked lookup failed", "sessionId", session.ID, "error", err)
			continue
		}
		if !ok || minAcked == 0 {
			continue
		}
		deleted, err := s.events.DeleteUpTo(ctx, session.ID, minAcked+1)
		if err != nil {
			s.logger.Error("cleanup: event deletion failed", "sessionId", session.ID, "error", err)
			continue
		}
		totalDeleted += deleted
	}
	if totalDeleted > 0 {
		s.logger.Info("cleanup: deleted acked events", "count", totalDeleted)
	}
}

func (s *Scheduler) sweepStaleConnections(ctx context.Context) {
	if s.connection == nil {
		return
	}
	count, err := s.connection.MarkStaleDisconnected(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("cleanup: stale connection sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("cleanup: marked stale connections disconnected", "count", count)
	}
}
