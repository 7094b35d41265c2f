package client

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
)

// FileWatch names zero or more sinks a client wants a produced output
// delivered to, and whether it is marked urgent (spec GLOSSARY "Urgent
// file"). The server does not push urgent files early; every watched
// file is pulled after Done.
type FileWatch struct {
	Urgent    bool
	Callbacks []Callback
}

// EvaluateRequest is the client-side description of one Evaluate call:
// the DAG, and the watch sets expressed as Go callbacks rather than
// wire records (spec §4.5).
type EvaluateRequest struct {
	DAG             dag.DAG
	OnStart         map[dag.ExecUuid]func(dag.WorkerUuid)
	OnDone          map[dag.ExecUuid]func(dag.ExecutionResult)
	OnSkip          map[dag.ExecUuid]func()
	Files           map[dag.FileUuid]FileWatch
}

// Session drives one Evaluate round-trip over an already-established
// ClientSessionClient stream.
type Session struct {
	stream proto.ClientSessionClient
	sendMu sync.Mutex // spec §4.5 "file mode" lock, shared with the status poller

	req       *EvaluateRequest
	delivered map[dag.FileUuid]bool
	pending   map[dag.FileUuid]struct{}

	statusMu    sync.Mutex
	lastStatus  *proto.StatusSnapshot
}

// Dial opens a session stream on cc (a connection from DialTCP or
// DialInProcess), sends the Hello handshake frame, and returns the
// session.
func Dial(ctx context.Context, cc *grpc.ClientConn, secret string) (*Session, error) {
	stream, err := proto.NewClientServiceClient(ctx, cc)
	if err != nil {
		return nil, errdefs.Errorf(errdefs.Unavailable, "client: open session stream: %v", err)
	}
	s := &Session{stream: stream, delivered: make(map[dag.FileUuid]bool), pending: make(map[dag.FileUuid]struct{})}
	if err := s.send(&proto.ClientMessage{Hello: &proto.Hello{Version: proto.ProtocolVersion, Secret: secret}}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) send(m *proto.ClientMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(m)
}

// Evaluate sends req and drives the session to completion, invoking
// every registered callback as NotifyStart/NotifyDone/NotifySkip and
// file deliveries arrive. It returns once Done has been received and
// every watched file has been pulled.
func (s *Session) Evaluate(ctx context.Context, req *EvaluateRequest) error {
	s.req = req

	callbacks := proto.Callbacks{
		WatchExecutions: make(map[dag.ExecUuid]struct{}),
		WatchFiles:      make(map[dag.FileUuid]proto.WatchedFile),
	}
	for e := range req.OnStart {
		callbacks.WatchExecutions[e] = struct{}{}
	}
	for e := range req.OnDone {
		callbacks.WatchExecutions[e] = struct{}{}
	}
	for e := range req.OnSkip {
		callbacks.WatchExecutions[e] = struct{}{}
	}
	for f, w := range req.Files {
		callbacks.WatchFiles[f] = proto.WatchedFile{Urgent: w.Urgent}
		s.pending[f] = struct{}{}
	}

	if err := s.send(&proto.ClientMessage{Evaluate: &proto.EvaluateRequest{DAG: req.DAG, Callbacks: callbacks}}); err != nil {
		return errdefs.Errorf(errdefs.Unavailable, "client: send Evaluate: %v", err)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go s.statusPoller(pollCtx)

	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errdefs.Errorf(errdefs.Unavailable, "client: session closed: %v", err)
		}
		if done, err := s.handle(ctx, msg); done || err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, msg *proto.ServerMessage) (bool, error) {
	switch {
	case msg.AskFile != nil:
		return false, s.uploadProvidedFile(msg.AskFile.File)
	case msg.ProvideFile != nil:
		return false, s.receiveFile(msg.ProvideFile.File, msg.ProvideFile.Success)
	case msg.NotifyStart != nil:
		if f := s.req.OnStart[msg.NotifyStart.Execution]; f != nil {
			f(msg.NotifyStart.Worker)
		}
		return false, nil
	case msg.NotifyDone != nil:
		if f := s.req.OnDone[msg.NotifyDone.Execution]; f != nil {
			f(msg.NotifyDone.Result)
		}
		return false, nil
	case msg.NotifySkip != nil:
		if f := s.req.OnSkip[msg.NotifySkip.Execution]; f != nil {
			f()
		}
		return false, nil
	case msg.Status != nil:
		s.statusMu.Lock()
		s.lastStatus = msg.Status
		s.statusMu.Unlock()
		return false, nil
	case msg.Error != nil:
		return true, errdefs.Errorf(errdefs.Internal, "server: %s", msg.Error.Message)
	case msg.Done != nil:
		return true, s.finish(ctx, msg.Done)
	}
	return false, nil
}

// finish pulls any watched file the server did not already push
// urgently (spec §4.4 "Completion": "client then fetches any missing
// blobs with AskFile(uuid, key, success)").
func (s *Session) finish(ctx context.Context, done *proto.DoneNotification) error {
	for _, f := range done.Files {
		if s.delivered[f.File] {
			continue
		}
		if err := s.send(&proto.ClientMessage{AskFile: &proto.AskFileRequest{File: f.File, Key: f.Key, Success: f.Success}}); err != nil {
			return errdefs.Errorf(errdefs.Unavailable, "client: request final file %s: %v", f.File, err)
		}
		msg, err := s.stream.Recv()
		if err != nil {
			return errdefs.Errorf(errdefs.Unavailable, "client: receive final file %s: %v", f.File, err)
		}
		if msg.ProvideFile == nil || msg.ProvideFile.File != f.File {
			return errdefs.Errorf(errdefs.Internal, "client: expected ProvideFile for %s", f.File)
		}
		if err := s.receiveFile(msg.ProvideFile.File, msg.ProvideFile.Success); err != nil {
			return err
		}
	}
	return nil
}

// uploadProvidedFile answers a server AskFile pull by streaming the
// matching ProvidedFile's bytes under the send mutex (spec §4.5
// "Protocol mode discipline").
func (s *Session) uploadProvidedFile(file dag.FileUuid) error {
	var pf *dag.ProvidedFile
	for i := range s.req.DAG.Provided {
		if s.req.DAG.Provided[i].Uuid == file {
			pf = &s.req.DAG.Provided[i]
			break
		}
	}
	if pf == nil {
		return errdefs.Errorf(errdefs.InvalidArgument, "client: server asked for unknown provided file %s", file)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.stream.Send(&proto.ClientMessage{ProvideFileHeader: &proto.ProvideFileHeader{File: pf.Uuid, Key: pf.Key}}); err != nil {
		return err
	}

	var r io.Reader
	if pf.LocalPath != "" {
		f, err := os.Open(pf.LocalPath)
		if err != nil {
			return errdefs.Errorf(errdefs.Internal, "client: open provided file %s: %v", pf.LocalPath, err)
		}
		defer f.Close()
		r = f
	} else {
		r = bytes.NewReader(pf.Inline)
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := s.stream.Send(&proto.ClientMessage{FileChunk: &proto.FileChunk{Data: append([]byte(nil), buf[:n]...)}}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return s.stream.Send(&proto.ClientMessage{FileChunk: &proto.FileChunk{EOF: true}})
		}
		if err != nil {
			return errdefs.Errorf(errdefs.Internal, "client: read provided file %s: %v", pf.LocalPath, err)
		}
	}
}

// receiveFile reads a pushed file to completion and fans it out to
// every registered callback for that FileUuid.
func (s *Session) receiveFile(file dag.FileUuid, success bool) error {
	var buf bytes.Buffer
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			return errdefs.Errorf(errdefs.Unavailable, "client: receive file %s: %v", file, err)
		}
		if msg.FileChunk == nil {
			return errdefs.Errorf(errdefs.Internal, "client: expected file chunk for %s", file)
		}
		if msg.FileChunk.EOF {
			break
		}
		buf.Write(msg.FileChunk.Data)
	}

	s.delivered[file] = true
	delete(s.pending, file)

	watch, ok := s.req.Files[file]
	if !ok {
		return nil
	}
	data := buf.Bytes()
	for _, cb := range watch.Callbacks {
		if err := cb.deliver("", data, success); err != nil {
			return err
		}
	}
	return nil
}

// statusPoller issues Status on a 1 s tick, acquiring the send mutex
// first; on send failure it terminates silently, the channel is gone
// (spec §4.5 "Status poller (client)").
func (s *Session) statusPoller(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(&proto.ClientMessage{Status: &struct{}{}}); err != nil {
				logging.G(ctx).WithError(err).Debug("client: status poll failed, stopping")
				return
			}
		}
	}
}

// LastStatus returns the most recently received status snapshot, if
// any.
func (s *Session) LastStatus() *proto.StatusSnapshot {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastStatus
}

// Stop sends the client-initiated abort message (spec §4.5 "Stop").
func (s *Session) Stop() error {
	return s.send(&proto.ClientMessage{Stop: &struct{}{}})
}

// AskOutputKey resolves the FileStoreKey used in a ProvidedFile's inline
// declaration via content hashing, a convenience for DAG builders.
func AskOutputKey(data []byte) filekey.Key {
	return filekey.SumBytes(data)
}
