package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veluca93/task-maker-go/internal/netutil"
	"github.com/veluca93/task-maker-go/internal/proto"
)

// DialTCP connects to a server listening on addr (spec §4.5 "TCP with
// optional shared-secret handshake"). No TLS is specified for this
// core; transport security is out of scope (spec §1).
func DialTCP(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	)
}

// DialInProcess connects through an in-memory netutil.PipeListener,
// spec §4.5's second transport, bypassing the network stack entirely
// while reusing the same grpc.ClientConn/grpc.Server code path as TCP.
func DialInProcess(ctx context.Context, listener *netutil.PipeListener) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(listener.DialContext),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	)
}
