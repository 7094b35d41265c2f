package server

import (
	"bytes"
	"sync"

	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/scheduler"
)

// WorkerHandler implements proto.WorkerServiceServer, one Session call
// per connected worker (spec §4.4 "Worker lifecycle").
type WorkerHandler struct {
	Scheduler *scheduler.Scheduler
	FileStore *filestore.Store
	Secret    string
}

type safeWorkerStream struct {
	proto.WorkerSessionServer
	mu sync.Mutex
}

func (s *safeWorkerStream) Send(m *proto.ServerToWorkerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WorkerSessionServer.Send(m)
}

// Session implements proto.WorkerServiceServer.
func (h *WorkerHandler) Session(raw proto.WorkerSessionServer) error {
	stream := &safeWorkerStream{WorkerSessionServer: raw}
	ctx := logging.WithComponent(stream.Context(), "worker-session")
	log := logging.G(ctx)

	hello, err := stream.Recv()
	if err != nil {
		return err
	}
	if hello.Hello == nil {
		return proto.ToGRPCStatus(errdefs.Errorf(errdefs.InvalidArgument, "worker: first frame must be Hello"))
	}
	if err := proto.CheckHello(hello.Hello, h.Secret); err != nil {
		return proto.ToGRPCStatus(err)
	}

	connect, err := stream.Recv()
	if err != nil {
		return err
	}
	if connect.Connect == nil {
		return proto.ToGRPCStatus(errdefs.Errorf(errdefs.InvalidArgument, "worker: second frame must be Connect"))
	}

	handle := h.Scheduler.RegisterWorker(connect.Connect.Name, connect.Connect.Cores, stream.Send)
	log = log.WithField("worker", handle.Uuid).WithField("name", handle.Name)
	log.Info("worker-session: registered")
	defer func() {
		h.Scheduler.UnregisterWorker(ctx, handle.Uuid)
		log.Info("worker-session: disconnected")
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			return nil
		}
		switch {
		case msg.GetWork != nil:
			// Dispatch is push-driven from the scheduler's own event loop;
			// GetWork only signals the worker is ready for another slot.
		case msg.AskFile != nil:
			if err := h.serveBlob(stream, msg.AskFile.Key); err != nil {
				log.WithError(err).Warn("worker-session: failed to serve requested blob")
			}
		case msg.ProvideFileHeader != nil:
			if err := h.receiveWorkerFile(stream, msg.ProvideFileHeader.Key); err != nil {
				log.WithError(err).Warn("worker-session: failed to receive pushed blob")
			}
		case msg.WorkerDone != nil:
			if err := h.Scheduler.WorkerDone(ctx, handle.Uuid, msg.WorkerDone.Group, msg.WorkerDone.Results, msg.WorkerDone.Outputs); err != nil {
				log.WithError(err).Error("worker-session: WorkerDone rejected, disconnecting worker")
				return proto.ToGRPCStatus(err)
			}
		}
	}
}

func (h *WorkerHandler) serveBlob(stream proto.WorkerSessionServer, key filekey.Key) error {
	handle, err := h.FileStore.Get(stream.Context(), key)
	if err != nil {
		return stream.Send(&proto.ServerToWorkerMessage{Error: &proto.ErrorNotification{Message: "blob not found"}})
	}
	defer handle.Release()

	if err := stream.Send(&proto.ServerToWorkerMessage{ProvideFileHeader: &proto.ProvideFileToWorker{Key: key}}); err != nil {
		return err
	}
	return streamBlobFileWorker(handle.Path(), stream)
}

func streamBlobFileWorker(path string, stream proto.WorkerSessionServer) error {
	return streamBlobFile(path, func(chunk *proto.FileChunk) error {
		return stream.Send(&proto.ServerToWorkerMessage{FileChunk: chunk})
	})
}

func (h *WorkerHandler) receiveWorkerFile(stream proto.WorkerSessionServer, key filekey.Key) error {
	var buf bytes.Buffer
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		if msg.FileChunk == nil {
			return errdefs.Errorf(errdefs.InvalidArgument, "worker: expected file chunk")
		}
		if msg.FileChunk.EOF {
			break
		}
		buf.Write(msg.FileChunk.Data)
	}
	return h.FileStore.Store(stream.Context(), key, bytes.NewReader(buf.Bytes()))
}
