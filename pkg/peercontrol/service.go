// Package peercontrol implements the inter-gateway ForceReleaseLease RPC
// (spec.md §9 "gRPC peer control"): when gateway A needs session S now (a
// client connected to A while B still holds S's lease) it calls B directly
// instead of waiting for B's lease to expire on its own. Messages are
// google.golang.org/protobuf's structpb.Struct rather than a protoc-compiled
// package — there is no .proto pipeline in this repo, and structpb is
// itself a real, prebuilt proto.Message the stock "proto" grpc codec already
// knows how to marshal, so the wire format stays genuine protobuf without
// generated code.
package peercontrol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service's fully qualified name.
const ServiceName = "sessionbroker.peercontrol.PeerControl"

// PeerControlServer is implemented by the side that owns resident sessions
// (pkg/manager.Manager, via the adapter in server.go).
type PeerControlServer interface {
	ForceReleaseLease(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// PeerControl_ServiceDesc is the hand-authored equivalent of what
// protoc-gen-go-grpc would emit for a single-method service — the same
// shape grpc-go's own generated code always takes.
var PeerControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ForceReleaseLease", Handler: forceReleaseLeaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/peercontrol/peercontrol.proto",
}

// RegisterPeerControlServer attaches srv to s.
func RegisterPeerControlServer(s grpc.ServiceRegistrar, srv PeerControlServer) {
	s.RegisterService(&PeerControl_ServiceDesc, srv)
}

func forceReleaseLeaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).ForceReleaseLease(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ForceReleaseLease"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerControlServer).ForceReleaseLease(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PeerControlClient is the low-level stub, mirroring what protoc-gen-go-grpc
// generates for a client.
type PeerControlClient interface {
	ForceReleaseLease(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type peerControlClient struct {
	cc grpc.ClientConnInterface
}

// NewPeerControlClient builds the low-level stub over an existing connection.
func NewPeerControlClient(cc grpc.ClientConnInterface) PeerControlClient {
	return &peerControlClient{cc: cc}
}

func (c *peerControlClient) ForceReleaseLease(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ForceReleaseLease", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
