// Package server bridges the gRPC session streams of internal/proto to
// the scheduler core (internal/scheduler), performing the handshake,
// translating client/worker frames into scheduler calls, and pushing
// scheduler events back out over the stream (spec §4.4/§4.5).
package server

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/scheduler"
)

// ClientHandler implements proto.ClientServiceServer, one Session call
// per connected client (spec §4.5).
type ClientHandler struct {
	Scheduler *scheduler.Scheduler
	FileStore *filestore.Store
	Secret    string
}

// safeClientStream serializes every Send call, since the scheduler's
// event-forwarding goroutine and this handler's own recv loop may both
// need to write to the same stream (spec §4.5 "Protocol mode
// discipline", applied here to the server's own sends).
type safeClientStream struct {
	proto.ClientSessionServer
	mu sync.Mutex
}

func (s *safeClientStream) Send(m *proto.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClientSessionServer.Send(m)
}

// Session implements proto.ClientServiceServer.
func (h *ClientHandler) Session(raw proto.ClientSessionServer) error {
	stream := &safeClientStream{ClientSessionServer: raw}
	ctx := logging.WithComponent(stream.Context(), "client-session")
	log := logging.G(ctx)

	hello, err := stream.Recv()
	if err != nil {
		return err
	}
	if hello.Hello == nil {
		return proto.ToGRPCStatus(errdefs.Errorf(errdefs.InvalidArgument, "client: first frame must be Hello"))
	}
	if err := proto.CheckHello(hello.Hello, h.Secret); err != nil {
		return proto.ToGRPCStatus(err)
	}

	eval, err := stream.Recv()
	if err != nil {
		return err
	}
	if eval.Evaluate == nil {
		return proto.ToGRPCStatus(errdefs.Errorf(errdefs.InvalidArgument, "client: second frame must be Evaluate"))
	}

	sessionID := uuid.NewString()
	events := make(chan *proto.ServerMessage, 64)
	forwardDone := make(chan error, 1)
	go func() {
		for m := range events {
			if err := stream.Send(m); err != nil {
				forwardDone <- err
				return
			}
		}
		forwardDone <- nil
	}()

	if err := h.Scheduler.Evaluate(ctx, sessionID, eval.Evaluate.DAG, eval.Evaluate.Callbacks, events); err != nil {
		_ = stream.Send(&proto.ServerMessage{Error: &proto.ErrorNotification{Message: err.Error()}})
		close(events)
		<-forwardDone
		logging.G(ctx).WithError(err).Warn("client-session: Evaluate rejected")
		return nil
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			h.Scheduler.Stop(ctx, sessionID)
			close(events)
			<-forwardDone
			if err == io.EOF {
				return nil
			}
			return nil
		}
		switch {
		case msg.ProvideFileHeader != nil:
			if err := h.receiveClientFile(ctx, stream, sessionID, msg.ProvideFileHeader); err != nil {
				log.WithError(err).Warn("client-session: failed to receive provided file")
			}
		case msg.AskFile != nil:
			if err := h.pushFileToClient(stream, msg.AskFile.File, msg.AskFile.Key, msg.AskFile.Success); err != nil {
				log.WithError(err).Warn("client-session: failed to push requested file")
			}
		case msg.Status != nil:
			_ = stream.Send(&proto.ServerMessage{Status: h.Scheduler.Status()})
		case msg.Stop != nil:
			h.Scheduler.Stop(ctx, sessionID)
			close(events)
			<-forwardDone
			return nil
		}
	}
}

func (h *ClientHandler) receiveClientFile(ctx context.Context, stream proto.ClientSessionServer, sessionID string, header *proto.ProvideFileHeader) error {
	var buf bytes.Buffer
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		if msg.FileChunk == nil {
			return errdefs.Errorf(errdefs.InvalidArgument, "client: expected file chunk")
		}
		if msg.FileChunk.EOF {
			break
		}
		buf.Write(msg.FileChunk.Data)
	}
	if err := h.FileStore.Store(ctx, header.Key, bytes.NewReader(buf.Bytes())); err != nil {
		return err
	}
	h.Scheduler.ProvideFile(ctx, sessionID, header.File, header.Key)
	return nil
}

func (h *ClientHandler) pushFileToClient(stream proto.ClientSessionServer, file dag.FileUuid, key filekey.Key, success bool) error {
	if err := stream.Send(&proto.ServerMessage{ProvideFile: &proto.ProvideFileToClient{File: file, Success: success}}); err != nil {
		return err
	}
	if key == filekey.Empty {
		return stream.Send(&proto.ServerMessage{FileChunk: &proto.FileChunk{EOF: true}})
	}
	handle, err := h.FileStore.Get(context.Background(), key)
	if err != nil {
		return stream.Send(&proto.ServerMessage{FileChunk: &proto.FileChunk{EOF: true}})
	}
	defer handle.Release()
	return streamBlobFile(handle.Path(), func(chunk *proto.FileChunk) error {
		return stream.Send(&proto.ServerMessage{FileChunk: chunk})
	})
}
