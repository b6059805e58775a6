package peercontrol

import (
	"context"
	"log/slog"

	"google.golang.org/protobuf/types/known/structpb"
)

// SessionReleaser is the narrow slice of pkg/manager.Manager this server
// needs, matching the narrow-interface-Deps convention used throughout
// pkg/actor and pkg/manager.
type SessionReleaser interface {
	ForceReleaseLease(ctx context.Context, sessionID string) error
}

// Server adapts a SessionReleaser to the PeerControlServer gRPC interface.
type Server struct {
	releaser SessionReleaser
	logger   *slog.Logger
}

// NewServer constructs a peer-control Server backed by releaser.
func NewServer(releaser SessionReleaser, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{releaser: releaser, logger: logger}
}

// ForceReleaseLease handles an incoming peer request to drop this
// gateway's lease on a session immediately (spec.md §9).
func (s *Server) ForceReleaseLease(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := req.Fields["sessionId"].GetStringValue()
	requestingGatewayID := req.Fields["requestingGatewayId"].GetStringValue()

	err := s.releaser.ForceReleaseLease(ctx, sessionID)
	if err != nil {
		s.logger.Warn("peercontrol: force release failed", "sessionId", sessionID, "requestedBy", requestingGatewayID, "error", err)
		return structpb.NewStruct(map[string]any{"released": false, "error": err.Error()})
	}

	s.logger.Info("peercontrol: released lease on peer request", "sessionId", sessionID, "requestedBy", requestingGatewayID)
	return structpb.NewStruct(map[string]any{"released": true})
}

var _ PeerControlServer = (*Server)(nil)
