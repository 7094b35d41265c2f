package worker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veluca93/task-maker-go/internal/netutil"
	"github.com/veluca93/task-maker-go/internal/proto"
)

// DialTCP connects a worker to a server's worker-facing listen address.
func DialTCP(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	)
}

// DialInProcess connects a worker through an in-memory netutil.PipeListener.
func DialInProcess(ctx context.Context, listener *netutil.PipeListener) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(listener.DialContext),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	)
}
