package proto

import (
	"context"

	"google.golang.org/grpc"
)

// ClientServiceName is the gRPC service name clients dial, in place of
// a protobuf-generated FullMethod string.
const ClientServiceName = "taskexec.ClientService"

// ClientSessionServer is the server-side handle for one client session
// stream: a bidirectional sequence of ClientMessage/ServerMessage
// frames (spec §4.5).
type ClientSessionServer interface {
	Send(*ServerMessage) error
	Recv() (*ClientMessage, error)
	grpc.ServerStream
}

type clientSessionServer struct {
	grpc.ServerStream
}

func (s *clientSessionServer) Send(m *ServerMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *clientSessionServer) Recv() (*ClientMessage, error) {
	m := new(ClientMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ClientServiceServer is implemented by the scheduler's client-facing
// session handler.
type ClientServiceServer interface {
	Session(ClientSessionServer) error
}

func clientServiceSessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ClientServiceServer).Session(&clientSessionServer{ServerStream: stream})
}

// ClientServiceDesc is the hand-written equivalent of a protoc-generated
// grpc.ServiceDesc for the single bidi-streaming Session RPC (no
// protoc is available in this environment, see SPEC_FULL.md).
var ClientServiceDesc = grpc.ServiceDesc{
	ServiceName: ClientServiceName,
	HandlerType: (*ClientServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       clientServiceSessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// ClientSessionClient is the client-side handle for a Session stream.
type ClientSessionClient interface {
	Send(*ClientMessage) error
	Recv() (*ServerMessage, error)
	grpc.ClientStream
}

type clientSessionClient struct {
	grpc.ClientStream
}

func (c *clientSessionClient) Send(m *ClientMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *clientSessionClient) Recv() (*ServerMessage, error) {
	m := new(ServerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewClientServiceClient opens a new Session stream over cc.
func NewClientServiceClient(ctx context.Context, cc grpc.ClientConnInterface) (ClientSessionClient, error) {
	stream, err := cc.NewStream(ctx, &ClientServiceDesc.Streams[0], "/"+ClientServiceName+"/Session", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &clientSessionClient{ClientStream: stream}, nil
}

// RegisterClientServiceServer registers srv with s, mirroring the
// generated _grpc.pb.go RegisterXxxServer helper.
func RegisterClientServiceServer(s grpc.ServiceRegistrar, srv ClientServiceServer) {
	s.RegisterService(&ClientServiceDesc, srv)
}
