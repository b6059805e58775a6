// Package gateway implements the Gateway Frontend (spec.md §2, SPEC_FULL.md
// §4.8): the websocket duplex protocol endpoint and the small REST surface
// around it. It owns no session state of its own — every frame decodes via
// pkg/wire and dispatches into pkg/manager and pkg/actor.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
	"github.com/codeready-toolchain/sessionbroker/pkg/wire"
)

// Config bundles the gateway's per-connection tunables, mirroring
// pkg/config.GatewayConfig's relevant fields without importing that package
// directly (same decoupling pkg/manager.Config uses).
type Config struct {
	HeartbeatInterval time.Duration
	InboundRateLimit  float64
	InboundRateBurst  int
	HandshakeTimeout  time.Duration
}

// HealthChecker reports whether the gateway's dependencies (Durable Store,
// cache) are reachable, for GET /healthz.
type HealthChecker func(ctx context.Context) error

// Server wires the websocket upgrade path and a small operator-facing REST
// surface onto one *gin.Engine, grounded on the teacher's cmd/tarsy/main.go
// gin.Default()/router.GET/gin.H route style.
type Server struct {
	Engine *gin.Engine

	sessions       SessionAccess
	validator      TokenValidator
	cfg            Config
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	metricsHandler http.Handler
	healthCheck    HealthChecker
}

// NewServer constructs a Server. metricsHandler and healthCheck may be nil:
// a nil metricsHandler makes GET /metrics answer 404, and a nil healthCheck
// makes GET /healthz answer a static OK response.
func NewServer(sessions SessionAccess, validator TokenValidator, cfg Config, metricsHandler http.Handler, healthCheck HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	s := &Server{
		sessions:       sessions,
		validator:      validator,
		cfg:            cfg,
		logger:         logger,
		metricsHandler: metricsHandler,
		healthCheck:    healthCheck,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.Engine = gin.New()
	s.Engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/healthz", s.handleHealth)
	s.Engine.GET("/metrics", s.handleMetrics)
	s.Engine.GET("/api/v1/sessions", s.handleListSessions)
	s.Engine.GET("/ws", s.handleUpgrade)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.healthCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.healthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metricsHandler == nil {
		c.Status(http.StatusNotFound)
		return
	}
	s.metricsHandler.ServeHTTP(c.Writer, c.Request)
}

// handleListSessions exposes the manager's getInfo() for operator tooling
// (spec.md §6, SPEC_FULL.md §6 "not a client-facing feature").
func (s *Server) handleListSessions(c *gin.Context) {
	type infoLister interface {
		Info() []model.Session
	}
	lister, ok := s.sessions.(infoLister)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"sessions": []model.Session{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": lister.Info()})
}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	go s.handleConnection(c.Request.Context(), conn)
}

// handleConnection runs the hello handshake and, on success, the
// connection's read/write pumps until the socket closes
// (spec.md §6 "Handshake").
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	hello, err := wire.Decode(raw)
	if err != nil || hello.Type != wire.ClientHello {
		s.writeHandshakeError(conn, wire.ErrInvalidMessage, "first frame must be hello")
		return
	}

	userID, err := s.validator.Validate(ctx, hello.Token)
	if err != nil {
		s.writeHandshakeError(conn, wire.ErrAuthFailed, "token validation failed")
		return
	}

	clientID := hello.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := newConnection(conn, clientID, model.DeviceKind(hello.DeviceType), userID, s.sessions, s.cfg, s.logger)

	helloOK := &wire.ServerMessage{
		Type: wire.ServerHelloOK, GatewayTime: time.Now().UTC().Format(time.RFC3339),
		HeartbeatIntervalMs: s.cfg.HeartbeatInterval.Milliseconds(), UserID: userID,
	}
	if err := c.Send(helloOK); err != nil {
		return
	}

	go c.writePump()
	c.readPump(ctx)
}

func (s *Server) writeHandshakeError(conn *websocket.Conn, code wire.ErrCode, message string) {
	frame := wire.NewError(code, message, "", false)
	if b, err := wire.Encode(frame); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
}
