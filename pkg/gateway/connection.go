package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/sessionbroker/pkg/actor"
	"github.com/codeready-toolchain/sessionbroker/pkg/manager"
	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

var errOutboundQueueFull = errors.New("gateway: connection outbound queue full")

// SessionAccess is the narrow slice of the Session Manager a connection
// needs, mirroring the actor package's own Deps-of-narrow-interfaces style
// so connection tests can supply a fake manager instead of a real one.
type SessionAccess interface {
	GetSession(sessionID string) (*actor.Actor, bool)
	GetOrLoadSession(ctx context.Context, sessionID string) (*actor.Actor, error)
	CreateSession(ctx context.Context, cfg model.SessionConfig) (*actor.Actor, error)
	RemoveSession(ctx context.Context, sessionID string) error
}

// wsConn is the slice of *websocket.Conn a Connection drives — narrowed so
// tests can substitute a fake transport without a real TCP socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one client's duplex session over the wire codec
// (spec.md §4.1, §6). It owns a read pump (this goroutine) and a write pump
// (its own goroutine) exactly as the teacher's pkg/events/manager.go
// Connection does, translated from coder/websocket's context-based API to
// gorilla/websocket's ReadMessage/WriteMessage API. subscriptions is
// touched only by the read pump goroutine, so it is deliberately unguarded —
// the same single-owner-goroutine convention documented on the teacher's
// Connection.subscriptions field.
type Connection struct {
	conn       wsConn
	clientID   string
	deviceKind model.DeviceKind
	userID     string

	sessions  SessionAccess
	limiter   *rate.Limiter
	heartbeat time.Duration
	logger    *slog.Logger

	subscriptions map[string]bool

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(conn wsConn, clientID string, deviceKind model.DeviceKind, userID string, sessions SessionAccess, cfg Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(cfg.InboundRateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.InboundRateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Connection{
		conn:          conn,
		clientID:      clientID,
		deviceKind:    deviceKind,
		userID:        userID,
		sessions:      sessions,
		limiter:       rate.NewLimiter(limit, burst),
		heartbeat:     cfg.HeartbeatInterval,
		logger:        logger,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}
}

// Send implements actor.Socket: it queues the frame for the write pump
// without blocking. A full queue reports the connection as a slow
// subscriber to its caller (spec.md §4.2 fan-out, §8 property 3).
func (c *Connection) Send(msg *wire.ServerMessage) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return errOutboundQueueFull
	default:
		return errOutboundQueueFull
	}
}

// CloseWithReason implements actor.Socket: it best-effort delivers an error
// frame with reason, then tears the connection down (spec.md §7 capacity
// and ownership errors).
func (c *Connection) CloseWithReason(code wire.ErrCode) {
	frame := wire.NewError(code, string(code), "", false)
	if b, err := wire.Encode(frame); err == nil {
		select {
		case c.send <- b:
		default:
		}
	}
	c.Close()
}

// Close tears down the connection's pumps and socket exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writePump drains the outbound queue to the socket and emits a heartbeat
// pong on its own ticker, matching the teacher's hub write-goroutine shape
// (pkg/api/websocket.go) generalized with the protocol's own heartbeat
// cadence instead of a fixed ping interval.
func (c *Connection) writePump() {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	if c.heartbeat > 0 {
		ticker = time.NewTicker(c.heartbeat)
		tickC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-c.closed:
			return
		case b := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Warn("gateway: write failed, closing connection", "clientId", c.clientID, "error", err)
				c.Close()
				return
			}
		case <-tickC:
			frame := &wire.ServerMessage{Type: wire.ServerPong, GatewayTime: time.Now().UTC().Format(time.RFC3339)}
			if b, err := wire.Encode(frame); err == nil {
				if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
					c.logger.Warn("gateway: heartbeat write failed, closing connection", "clientId", c.clientID, "error", err)
					c.Close()
					return
				}
			}
		}
	}
}

// readPump runs the dispatch loop (the hello handshake has already been
// completed by Server.handleConnection) until the socket
// closes or the context is canceled. It owns subscriptions and detaches
// every attached session on exit (spec.md §4.2 detachSubscriber).
func (c *Connection) readPump(ctx context.Context) {
	defer c.Close()
	defer c.detachAll()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			c.sendError(wire.ErrInvalidMessage, err.Error(), "", false)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Connection) detachAll() {
	for sessionID := range c.subscriptions {
		if a, ok := c.sessions.GetSession(sessionID); ok {
			a.DetachSubscriber(c.clientID)
		}
	}
}

func (c *Connection) sendError(code wire.ErrCode, message, sessionID string, retryable bool) {
	_ = c.Send(wire.NewError(code, message, sessionID, retryable))
}

func (c *Connection) dispatch(ctx context.Context, msg *wire.ClientMessage) {
	switch msg.Type {
	case wire.ClientSubscribe:
		c.handleSubscribe(ctx, msg)
	case wire.ClientUnsubscribe:
		c.handleUnsubscribe(msg)
	case wire.ClientInput:
		c.handleInput(ctx, msg)
	case wire.ClientAck:
		c.handleAck(msg)
	case wire.ClientPing:
		c.handlePing()
	case wire.ClientCreateSession:
		c.handleCreateSession(ctx, msg)
	case wire.ClientStopSession:
		c.handleStopSession(ctx, msg)
	default:
		c.sendError(wire.ErrInvalidMessage, "unexpected message after handshake", "", false)
	}
}

func (c *Connection) handleSubscribe(ctx context.Context, msg *wire.ClientMessage) {
	a, err := c.sessions.GetOrLoadSession(ctx, msg.SessionID)
	if err != nil {
		c.sendAccessError(msg.SessionID, err)
		return
	}

	missed, err := a.AttachSubscriber(ctx, c.clientID, c.deviceKind, c, msg.LastAckSeq)
	if err != nil {
		c.sendError(wire.ErrReplayUnavailable, err.Error(), msg.SessionID, false)
		return
	}
	c.subscriptions[msg.SessionID] = true

	snap := a.Snapshot()
	var latestSeq uint64
	if snap.NextSeq > 0 {
		latestSeq = snap.NextSeq - 1
	}
	_ = c.Send(&wire.ServerMessage{
		Type: wire.ServerSubscribed, SessionID: msg.SessionID,
		CurrentState: string(snap.Lifecycle), LatestSeq: latestSeq,
	})

	for _, e := range missed {
		_ = c.Send(&wire.ServerMessage{
			Type: wire.ServerEvent,
			Event: &wire.EventFrame{
				Seq: e.Seq, Direction: string(e.Direction), Type: string(e.Type),
				Payload: e.Payload, CreatedAt: e.CreatedAt.Format(time.RFC3339),
			},
		})
	}
}

func (c *Connection) handleUnsubscribe(msg *wire.ClientMessage) {
	if a, ok := c.sessions.GetSession(msg.SessionID); ok {
		a.DetachSubscriber(c.clientID)
	}
	delete(c.subscriptions, msg.SessionID)
	_ = c.Send(&wire.ServerMessage{Type: wire.ServerUnsubscribed, SessionID: msg.SessionID})
}

func (c *Connection) handleInput(ctx context.Context, msg *wire.ClientMessage) {
	a, ok := c.sessions.GetSession(msg.SessionID)
	if !ok {
		c.sendError(wire.ErrSessionNotFound, "session not resident on this gateway", msg.SessionID, true)
		return
	}
	seq, err := a.HandleInput(ctx, []byte(msg.Data), msg.ClientInputID)
	if errors.Is(err, actor.ErrSessionTerminal) {
		c.sendError(wire.ErrInvalidTransition, "session has already stopped", msg.SessionID, false)
		return
	}
	if err != nil {
		c.logger.Warn("gateway: agent forward failed", "sessionId", msg.SessionID, "error", err)
	}
	_ = c.Send(&wire.ServerMessage{
		Type: wire.ServerInputAck, SessionID: msg.SessionID,
		ClientInputID: msg.ClientInputID, AcceptedSeq: seq,
	})
}

func (c *Connection) handleAck(msg *wire.ClientMessage) {
	if a, ok := c.sessions.GetSession(msg.SessionID); ok {
		a.UpdateAck(c.clientID, msg.Seq)
	}
}

func (c *Connection) handlePing() {
	_ = c.Send(&wire.ServerMessage{Type: wire.ServerPong, GatewayTime: time.Now().UTC().Format(time.RFC3339)})
}

func (c *Connection) handleCreateSession(ctx context.Context, msg *wire.ClientMessage) {
	a, err := c.sessions.CreateSession(ctx, model.SessionConfig{
		OwnerUser: c.userID, AgentKind: msg.AgentType, WorkingDir: msg.WorkingDirectory,
		WorktreeID: msg.WorktreeID, RepoID: msg.RepositoryID,
	})
	if err != nil {
		c.sendError(wire.ErrCreateFailed, err.Error(), "", true)
		return
	}
	snap := a.Snapshot()
	_ = c.Send(&wire.ServerMessage{Type: wire.ServerSessionCreated, SessionID: snap.ID, Status: string(snap.Lifecycle)})
}

func (c *Connection) handleStopSession(ctx context.Context, msg *wire.ClientMessage) {
	if err := c.sessions.RemoveSession(ctx, msg.SessionID); err != nil {
		c.sendError(wire.ErrInternal, err.Error(), msg.SessionID, true)
		return
	}
	delete(c.subscriptions, msg.SessionID)
	_ = c.Send(&wire.ServerMessage{Type: wire.ServerSessionStopped, SessionID: msg.SessionID})
}

func (c *Connection) sendAccessError(sessionID string, err error) {
	var accessElsewhere *manager.ErrAccessElsewhere
	if errors.As(err, &accessElsewhere) {
		c.sendError(wire.ErrAccessElsewhere, err.Error(), sessionID, true)
		return
	}
	c.sendError(wire.ErrSessionNotFound, err.Error(), sessionID, false)
}

var _ actor.Socket = (*Connection)(nil)
