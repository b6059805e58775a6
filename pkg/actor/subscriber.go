package actor

import (
	"log/slog"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

// Socket is the actor's view of a live client connection — implemented by
// the gateway frontend's websocket connection wrapper. Send must not block
// the caller for long; the actor treats a blocked Send as a slow subscriber.
type Socket interface {
	Send(msg *wire.ServerMessage) error
	CloseWithReason(code wire.ErrCode)
}

// subscriber is one attached client. Its outbound queue is drained by its
// own pump goroutine so that one slow socket never stalls the actor loop or
// any other subscriber (spec.md §4.2 Fan-out).
type subscriber struct {
	clientID   string
	deviceKind model.DeviceKind
	socket     Socket
	lastAckSeq uint64

	outbound chan *wire.ServerMessage
	stopPump chan struct{}
}

func newSubscriber(clientID string, deviceKind model.DeviceKind, socket Socket, lastAckSeq uint64, queueDepth int) *subscriber {
	return &subscriber{
		clientID:   clientID,
		deviceKind: deviceKind,
		socket:     socket,
		lastAckSeq: lastAckSeq,
		outbound:   make(chan *wire.ServerMessage, queueDepth),
		stopPump:   make(chan struct{}),
	}
}

// enqueue attempts a non-blocking send to the subscriber's outbound queue.
// It reports false when the queue is full — the caller (the actor loop)
// treats that as a slow subscriber and drops the socket.
func (s *subscriber) enqueue(msg *wire.ServerMessage) bool {
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// pump drains the outbound queue and writes to the socket until stopPump
// closes or a write fails. It runs on its own goroutine per subscriber, the
// only part of a subscriber's lifecycle not owned by the actor loop.
func (s *subscriber) pump(onSocketError func(clientID string), logger *slog.Logger) {
	for {
		select {
		case <-s.stopPump:
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.socket.Send(msg); err != nil {
				logger.Warn("subscriber socket write failed", "clientId", s.clientID, "error", err)
				onSocketError(s.clientID)
				return
			}
		}
	}
}

func (s *subscriber) stop() {
	select {
	case <-s.stopPump:
	default:
		close(s.stopPump)
	}
}
