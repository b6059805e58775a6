package peercontrol

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the typed Go entry point gateways use to ask a peer to release
// a session's lease, wrapping the low-level stub with plain Go arguments
// instead of structpb.Struct.
type Client struct {
	conn *grpc.ClientConn
	raw  PeerControlClient
}

// Dial connects to a peer gateway's gRPC peer-control listener. Transport is
// plaintext — peer gateways are expected to run on a trusted cluster
// network, matching the teacher's own pkg/agent/llm_grpc.go rationale for
// insecure.NewCredentials() against a same-cluster service.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("peercontrol: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, raw: NewPeerControlClient(conn)}, nil
}

// ForceReleaseLease asks the peer at addr to drop its lease on sessionID
// immediately, on behalf of requestingGatewayID (spec.md §9).
func (c *Client) ForceReleaseLease(ctx context.Context, sessionID, requestingGatewayID string) (released bool, err error) {
	req, err := structpb.NewStruct(map[string]any{
		"sessionId":           sessionID,
		"requestingGatewayId": requestingGatewayID,
	})
	if err != nil {
		return false, fmt.Errorf("peercontrol: build request: %w", err)
	}

	resp, err := c.raw.ForceReleaseLease(ctx, req)
	if err != nil {
		return false, err
	}
	if errMsg := resp.Fields["error"].GetStringValue(); errMsg != "" {
		return false, fmt.Errorf("peercontrol: peer refused release: %s", errMsg)
	}
	return resp.Fields["released"].GetBoolValue(), nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
