package proto

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerServiceName is the gRPC service name workers dial.
const WorkerServiceName = "taskexec.WorkerService"

// WorkerSessionServer is the server-side handle for one worker session
// stream (spec §4.4 "Worker lifecycle").
type WorkerSessionServer interface {
	Send(*ServerToWorkerMessage) error
	Recv() (*WorkerMessage, error)
	grpc.ServerStream
}

type workerSessionServer struct {
	grpc.ServerStream
}

func (s *workerSessionServer) Send(m *ServerToWorkerMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *workerSessionServer) Recv() (*WorkerMessage, error) {
	m := new(WorkerMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WorkerServiceServer is implemented by the scheduler's worker-facing
// session handler.
type WorkerServiceServer interface {
	Session(WorkerSessionServer) error
}

func workerServiceSessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Session(&workerSessionServer{ServerStream: stream})
}

// WorkerServiceDesc is the hand-written grpc.ServiceDesc for the worker
// session RPC.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       workerServiceSessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// WorkerSessionClient is the worker-side handle for a Session stream.
type WorkerSessionClient interface {
	Send(*WorkerMessage) error
	Recv() (*ServerToWorkerMessage, error)
	grpc.ClientStream
}

type workerSessionClient struct {
	grpc.ClientStream
}

func (c *workerSessionClient) Send(m *WorkerMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *workerSessionClient) Recv() (*ServerToWorkerMessage, error) {
	m := new(ServerToWorkerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewWorkerServiceClient opens a new Session stream over cc.
func NewWorkerServiceClient(ctx context.Context, cc grpc.ClientConnInterface) (WorkerSessionClient, error) {
	stream, err := cc.NewStream(ctx, &WorkerServiceDesc.Streams[0], "/"+WorkerServiceName+"/Session", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &workerSessionClient{ClientStream: stream}, nil
}

// RegisterWorkerServiceServer registers srv with s.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}
