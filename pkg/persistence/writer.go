// Package persistence implements the Persistence Writer (spec.md §4.6): a
// single background goroutine that batches Session Events by size and time
// and flushes them to the Event Log Store, retrying transient failures with
// bounded exponential backoff in the style of the teacher's NotifyListener
// reconnect loop (pkg/events/listener.go).
package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/eventlog"
	"github.com/codeready-toolchain/sessionbroker/pkg/metrics"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

// Config tunes the writer's batching and retry behavior (spec.md §4.6). The
// gateway wires this from pkg/config.GatewayConfig's Persist* fields.
type Config struct {
	MaxBatchSize     int
	MaxFlushInterval time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxRetries       int
	QueueDepth       int
}

// ErrorFunc is invoked once per batch that exhausts its retries, when the
// writer pauses; failed attempts that are followed by a retry do not invoke it.
type ErrorFunc func(err error, pending int)

// Writer buffers events from many sessions and flushes them in batches.
// enqueue is non-blocking from the caller's perspective; only the single
// background goroutine running Run ever touches the store.
type Writer struct {
	store  eventlog.EventStore
	cfg    Config
	onErr  ErrorFunc
	logger *slog.Logger

	incoming chan model.Event
	drain    chan drainRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	paused  bool
	pauseMu sync.RWMutex
}

type drainRequest struct {
	sessionID string
	done      chan error
}

// New constructs a Writer. Call Run in its own goroutine before Enqueue.
func New(store eventlog.EventStore, cfg Config, onErr ErrorFunc, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	return &Writer{
		store:    store,
		cfg:      cfg,
		onErr:    onErr,
		logger:   logger,
		incoming: make(chan model.Event, cfg.QueueDepth),
		drain:    make(chan drainRequest),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue buffers an event for the next flush. It never blocks the caller
// on I/O; it only blocks if the internal channel is momentarily full, which
// applies natural backpressure to callers without ever silently dropping an
// event (spec.md §4.6: "enqueue(event) never fails synchronously").
func (w *Writer) Enqueue(e model.Event) {
	select {
	case w.incoming <- e:
	case <-w.stopCh:
	}
}

// Paused reports whether the writer is in the hard-error pause state
// (spec.md §4.6: "surfaces a hard error and pauses writes until an operator
// action"). The flag is reported only: while it is set, Run still attempts
// to flush pending events on the next full batch, tick, drain or stop.
func (w *Writer) Paused() bool {
	w.pauseMu.RLock()
	defer w.pauseMu.RUnlock()
	return w.paused
}

// Resume clears the pause state after an operator has addressed the
// underlying failure (e.g. restored database connectivity).
func (w *Writer) Resume() {
	w.pauseMu.Lock()
	w.paused = false
	w.pauseMu.Unlock()
}

// DrainSession forces an immediate flush of any buffered events and blocks
// until it completes, regardless of the batch/interval thresholds
// (spec.md §4.6 drainSession). sessionID is informational only — the writer
// flushes its whole buffer since batches are not partitioned per session.
func (w *Writer) DrainSession(ctx context.Context, sessionID string) error {
	req := drainRequest{sessionID: sessionID, done: make(chan error, 1)}
	select {
	case w.drain <- req:
	case <-w.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the writer's single background loop. It owns all mutation of the
// pending buffer; every other method communicates with it over channels.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.MaxFlushInterval)
	defer ticker.Stop()

	var pending []model.Event

	// collect moves events already queued on incoming into pending.
	collect := func() {
		for {
			select {
			case e := <-w.incoming:
				pending = append(pending, e)
			default:
				return
			}
		}
	}

	// flush reports the outcome of the attempt so DrainSession's caller can
	// tell a successful drain from one that left events buffered and paused
	// the writer (spec.md §4.6: a failed flush never drops pending events,
	// but callers forcing a drain need to know it didn't happen).
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := w.flushWithRetry(ctx, pending); err != nil {
			w.logger.Error("persistence: giving up on batch, pausing writer", "error", err, "pending", len(pending))
			w.pauseMu.Lock()
			w.paused = true
			w.pauseMu.Unlock()
			if w.onErr != nil {
				w.onErr(err, len(pending))
			}
			return err
		}
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			collect()
			flush()
			return
		case <-w.stopCh:
			collect()
			flush()
			return
		case e := <-w.incoming:
			pending = append(pending, e)
			if len(pending) >= w.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case req := <-w.drain:
			collect()
			err := flush()
			select {
			case req.done <- err:
			default:
			}
		}
	}
}

// Stop flushes remaining buffered events and returns once Run has exited
// (spec.md §4.6 stop()).
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// flushWithRetry writes batch to the store, retrying transient failures with
// exponential backoff capped at cfg.MaxBackoff. After the first attempt and
// cfg.MaxRetries retries have all failed it gives up and returns the last error (spec.md §4.6: "retries
// with bounded exponential backoff up to a cap, after which it surfaces a
// hard error").
func (w *Writer) flushWithRetry(ctx context.Context, batch []model.Event) error {
	start := time.Now()
	backoff := w.cfg.InitialBackoff
	cp := make([]model.Event, len(batch))
	copy(cp, batch)

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.store.AppendBatch(ctx, cp)
		if err == nil {
			metrics.PersistenceFlushDuration.Observe(time.Since(start).Seconds())
			return nil
		}
		lastErr = err

		if attempt == w.cfg.MaxRetries {
			break
		}
		metrics.PersistenceRetriesTotal.Inc()

		w.logger.Error("persistence: flush failed, retrying", "error", err, "backoff", backoff, "batch_size", len(cp), "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.cfg.MaxBackoff)
	}
	return lastErr
}
