package actor

import "github.com/codeready-toolchain/sessionbroker/pkg/model"

// ringBuffer is the in-memory tail of one session's event stream (spec.md
// §4.2). It is bounded by two independent limits — a maximum event count and
// a maximum total payload byte size — and evicts from the head. It tracks
// evictedThrough so that replay requests can cheaply detect a gap without
// re-scanning evicted state.
type ringBuffer struct {
	maxEvents int
	maxBytes  int

	entries        []model.Event
	bytes          int
	evictedThrough uint64
}

func newRingBuffer(maxEvents, maxBytes int) *ringBuffer {
	return &ringBuffer{maxEvents: maxEvents, maxBytes: maxBytes}
}

// push appends e to the tail. Callers are responsible for calling
// evictAcked/evictHead afterward to enforce limits.
func (r *ringBuffer) push(e model.Event) {
	r.entries = append(r.entries, e)
	r.bytes += e.Size()
}

// evictAcked drops entries whose Seq is <= minAck — the ack-driven eviction
// path, safe because every attached subscriber has already consumed them.
func (r *ringBuffer) evictAcked(minAck uint64) {
	for len(r.entries) > 0 && r.entries[0].Seq <= minAck {
		r.evictHead()
	}
}

// exceedsHardLimits reports whether the buffer is over either bound.
func (r *ringBuffer) exceedsHardLimits() bool {
	return len(r.entries) > r.maxEvents || r.bytes > r.maxBytes
}

// evictHead drops the oldest entry. Callers must have already ensured it is
// durable (spec.md §4.2: "Hard-limit eviction must not lose unpersisted
// events — flush then evict").
func (r *ringBuffer) evictHead() model.Event {
	e := r.entries[0]
	r.entries = r.entries[1:]
	r.bytes -= e.Size()
	r.evictedThrough = e.Seq
	return e
}

// replay returns events with Seq > fromSeq in ascending order. ok is false
// when fromSeq falls before what the buffer can still account for — the
// caller must then fall back to the Event Log Store.
func (r *ringBuffer) replay(fromSeq uint64) ([]model.Event, bool) {
	if fromSeq < r.evictedThrough {
		return nil, false
	}
	var out []model.Event
	for _, e := range r.entries {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, true
}

func (r *ringBuffer) len() int { return len(r.entries) }

// seed preloads entries and evictedThrough before the actor's loop starts.
// Not safe to call once the owning actor is running.
func (r *ringBuffer) seed(events []model.Event, evictedThrough uint64) {
	r.evictedThrough = evictedThrough
	for _, e := range events {
		r.push(e)
	}
}
