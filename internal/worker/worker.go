// Package worker implements the worker side of spec §4.4/§4.5: connect
// to a server, advertise its name and core count, run each dispatched
// ExecutionGroup with one goroutine per execution via errgroup, and
// report results and produced blobs back.
package worker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/sandbox"
)

// Worker is one connected worker process (spec §4.4 "Worker lifecycle").
type Worker struct {
	stream  proto.WorkerSessionClient
	sendMu  sync.Mutex
	name    string
	cores   int
	root    string
	fs      *filestore.Store
	factory sandbox.Factory

	mu      sync.Mutex
	running map[dag.GroupUuid][]sandbox.Adapter

	// blobMu serializes dependency pull round-trips; blobDone is set by
	// requestBlob and signaled by Run's own Recv loop, since grpc-go
	// streams allow only one goroutine to call Recv at a time (spec §4.5
	// "Protocol mode discipline", applied here to the worker's own recv
	// side).
	blobMu   sync.Mutex
	blobDone chan error
}

// New constructs a Worker that stages sandbox directories under root and
// caches dependency/output blobs in fs.
func New(stream proto.WorkerSessionClient, name string, cores int, root string, fs *filestore.Store, factory sandbox.Factory) *Worker {
	return &Worker{
		stream:  stream,
		name:    name,
		cores:   cores,
		root:    root,
		fs:      fs,
		factory: factory,
		running: make(map[dag.GroupUuid][]sandbox.Adapter),
	}
}

func (w *Worker) send(m *proto.WorkerMessage) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.stream.Send(m)
}

// Run performs the handshake, registers with the server, and processes
// dispatched work until the stream closes or ctx is canceled.
func (w *Worker) Run(ctx context.Context, secret string) error {
	if err := w.send(&proto.WorkerMessage{Hello: &proto.Hello{Version: proto.ProtocolVersion, Secret: secret}}); err != nil {
		return errdefs.Errorf(errdefs.Unavailable, "worker: hello: %v", err)
	}
	if err := w.send(&proto.WorkerMessage{Connect: &proto.WorkerConnect{Name: w.name, Cores: w.cores}}); err != nil {
		return errdefs.Errorf(errdefs.Unavailable, "worker: connect: %v", err)
	}
	if err := w.send(&proto.WorkerMessage{GetWork: &struct{}{}}); err != nil {
		return errdefs.Errorf(errdefs.Unavailable, "worker: get work: %v", err)
	}

	for {
		msg, err := w.stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errdefs.Errorf(errdefs.Unavailable, "worker: session closed: %v", err)
		}
		switch {
		case msg.Work != nil:
			go w.runGroup(ctx, msg.Work)
		case msg.ProvideFileHeader != nil:
			err := w.receiveBlob(msg.ProvideFileHeader.Key)
			w.mu.Lock()
			done := w.blobDone
			w.blobDone = nil
			w.mu.Unlock()
			if done != nil {
				done <- err
			} else if err != nil {
				logging.G(ctx).WithError(err).Warn("worker: failed to receive pushed dependency blob")
			}
		case msg.KillJob != nil:
			w.kill(msg.KillJob.Group)
		case msg.Error != nil:
			logging.G(ctx).WithField("message", msg.Error.Message).Error("worker: fatal server error")
			return errdefs.Errorf(errdefs.Internal, "worker: server error: %s", msg.Error.Message)
		}
	}
}

func (w *Worker) kill(group dag.GroupUuid) {
	w.mu.Lock()
	adapters := w.running[group]
	w.mu.Unlock()
	for _, a := range adapters {
		a.Kill()
	}
}

// runGroup resolves every dependency, runs each execution in its own
// goroutine via errgroup (spec §5: "one per execution in a group"),
// uploads produced outputs, and reports WorkerDone.
func (w *Worker) runGroup(ctx context.Context, work *proto.WorkAssignment) {
	log := logging.G(ctx).WithField("group", work.Group.Uuid)

	groupRoot, err := os.MkdirTemp(w.root, "group-*")
	if err != nil {
		log.WithError(err).Error("worker: failed to create group sandbox root")
		return
	}
	keepSandbox := false
	for _, e := range work.Group.Executions {
		if e.KeepSandbox {
			keepSandbox = true
			break
		}
	}
	if keepSandbox {
		log.WithField("path", groupRoot).Info("worker: retaining sandbox directory for debugging")
	} else {
		defer os.RemoveAll(groupRoot)
	}

	var fifoDir string
	if len(work.Group.Fifos) > 0 {
		fifoDir = filepath.Join(groupRoot, "fifos")
		if err := os.MkdirAll(fifoDir, 0o755); err != nil {
			log.WithError(err).Error("worker: failed to create fifo dir")
			return
		}
		for _, f := range work.Group.Fifos {
			if err := unix.Mkfifo(filepath.Join(fifoDir, f.SandboxPath), 0o600); err != nil {
				log.WithError(err).Warn("worker: mkfifo failed")
			}
		}
	}

	inputs, err := w.resolveInputs(ctx, work)
	if err != nil {
		log.WithError(err).Error("worker: failed to resolve dependencies")
		results := make([]dag.ExecutionResult, len(work.Group.Executions))
		for i := range results {
			results[i] = dag.ExecutionResult{Status: dag.StatusInternalError, Message: err.Error()}
		}
		w.reportDone(ctx, work.Group.Uuid, results, make([]map[dag.FileUuid]filekey.Key, len(results)))
		return
	}
	defer func() {
		for _, h := range inputs {
			h.Release()
		}
	}()

	results := make([]dag.ExecutionResult, len(work.Group.Executions))
	outputs := make([]map[dag.FileUuid]filekey.Key, len(work.Group.Executions))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range work.Group.Executions {
		i, e := i, e
		execRoot := filepath.Join(groupRoot, string(e.Uuid))
		g.Go(func() error {
			adapter, err := w.factory(gctx, execRoot, e, inputs, fifoDir)
			if err != nil {
				results[i] = dag.ExecutionResult{Status: dag.StatusInternalError, Message: err.Error()}
				return nil
			}
			w.mu.Lock()
			w.running[work.Group.Uuid] = append(w.running[work.Group.Uuid], adapter)
			w.mu.Unlock()

			res, outs := w.runOne(ctx, e, adapter)
			results[i] = res
			outputs[i] = outs
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	delete(w.running, work.Group.Uuid)
	w.mu.Unlock()

	w.reportDone(ctx, work.Group.Uuid, results, outputs)
}

// runOne executes a single Execution via its sandbox.Adapter and
// materializes its declared outputs into the local blob store, pushing
// them to the server as it goes.
func (w *Worker) runOne(ctx context.Context, e dag.Execution, adapter sandbox.Adapter) (dag.ExecutionResult, map[dag.FileUuid]filekey.Key) {
	result, err := adapter.Run(ctx)
	if err != nil {
		return dag.ExecutionResult{Status: dag.StatusInternalError, Message: err.Error()}, nil
	}

	var res dag.ExecutionResult
	switch r := result.(type) {
	case sandbox.Failed:
		res = dag.ExecutionResult{Status: dag.StatusInternalError, Message: r.Err.Error()}
		return res, nil
	case sandbox.Success:
		res = classify(e, r)
	default:
		res = dag.ExecutionResult{Status: dag.StatusInternalError, Message: "worker: unknown sandbox result type"}
		return res, nil
	}

	outputs := make(map[dag.FileUuid]filekey.Key, len(e.Outputs))
	for _, o := range e.Outputs {
		path := adapter.OutputPath(o.SandboxPath)
		key, err := w.storeProducedFile(ctx, path)
		if err != nil {
			key = filekey.Empty // spec §4.3: missing output substitutes the well-known empty-blob key
		}
		outputs[o.File] = key
		if err := w.pushBlob(ctx, key); err != nil {
			logging.G(ctx).WithError(err).Warn("worker: failed to push produced output")
		}
	}
	return res, outputs
}

// classify maps raw sandbox.Success into the status taxonomy of spec
// §3/§7, consulting the execution's own limits (its own declared
// values, not yet the cache's Compatible/Recategorize logic — that
// applies only to cached entries reused later).
func classify(e dag.Execution, r sandbox.Success) dag.ExecutionResult {
	res := dag.ExecutionResult{Resources: r.Resources, WasKilled: r.WasKilled}
	switch {
	case r.WasKilled:
		if e.Limits.WallTime != nil && r.Resources.WallTime >= *e.Limits.WallTime {
			res.Status = dag.StatusWallTimeLimitExceeded
		} else {
			res.Status = dag.StatusKilled
		}
	case e.Limits.CPUTime != nil && r.Resources.CPUTime > *e.Limits.CPUTime:
		res.Status = dag.StatusTimeLimitExceeded
	case e.Limits.WallTime != nil && r.Resources.WallTime > *e.Limits.WallTime:
		res.Status = dag.StatusWallTimeLimitExceeded
	case e.Limits.MemoryKiB != nil && r.Resources.MemoryKiB > *e.Limits.MemoryKiB:
		res.Status = dag.StatusMemoryLimitExceeded
	case r.Signal != nil:
		res.Status = dag.StatusSignal
		res.Signal = *r.Signal
	case r.ExitStatus != 0:
		res.Status = dag.StatusReturnCode
		res.ReturnCode = r.ExitStatus
	default:
		res.Status = dag.StatusSuccess
	}
	return res
}

func (w *Worker) reportDone(ctx context.Context, group dag.GroupUuid, results []dag.ExecutionResult, outputs []map[dag.FileUuid]filekey.Key) {
	if err := w.send(&proto.WorkerMessage{WorkerDone: &proto.WorkerDone{Group: group, Results: results, Outputs: outputs}}); err != nil {
		logging.G(ctx).WithError(err).Error("worker: failed to report WorkerDone")
		return
	}
	if err := w.send(&proto.WorkerMessage{GetWork: &struct{}{}}); err != nil {
		logging.G(ctx).WithError(err).Error("worker: failed to request next work")
	}
}

// resolveInputs ensures every dependency named in work.DepKeys is
// present in the worker's local file store, pulling from the server
// when missing, and returns their handles.
func (w *Worker) resolveInputs(ctx context.Context, work *proto.WorkAssignment) (map[dag.FileUuid]*filestore.Handle, error) {
	handles := make(map[dag.FileUuid]*filestore.Handle, len(work.DepKeys))
	for file, key := range work.DepKeys {
		h, err := w.fs.Get(ctx, key)
		if err != nil {
			if err := w.requestBlob(ctx, key); err != nil {
				return handles, err
			}
			h, err = w.fs.Get(ctx, key)
			if err != nil {
				return handles, errdefs.Errorf(errdefs.Internal, "worker: dependency %s unavailable after pull: %v", key, err)
			}
		}
		handles[file] = h
	}
	return handles, nil
}

// requestBlob asks the server for key and blocks until Run's Recv loop
// has collected and stored the corresponding push. Only one pull may be
// outstanding at a time: blobMu queues concurrent callers rather than
// racing Recv calls from multiple goroutines.
func (w *Worker) requestBlob(ctx context.Context, key filekey.Key) error {
	w.blobMu.Lock()
	defer w.blobMu.Unlock()

	done := make(chan error, 1)
	w.mu.Lock()
	w.blobDone = done
	w.mu.Unlock()

	if err := w.send(&proto.WorkerMessage{AskFile: &proto.AskFileFromWorker{Key: key}}); err != nil {
		w.mu.Lock()
		w.blobDone = nil
		w.mu.Unlock()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveBlob reads one pushed blob's header+chunks; always called from
// Run's own Recv loop, in response to a prior AskFile.
func (w *Worker) receiveBlob(key filekey.Key) error {
	var buf bytes.Buffer
	for {
		msg, err := w.stream.Recv()
		if err != nil {
			return err
		}
		if msg.FileChunk == nil {
			return errdefs.Errorf(errdefs.Internal, "worker: expected file chunk while receiving blob")
		}
		if msg.FileChunk.EOF {
			break
		}
		buf.Write(msg.FileChunk.Data)
	}
	return w.fs.Store(context.Background(), key, bytes.NewReader(buf.Bytes()))
}

// storeProducedFile hashes path and stores its bytes into the worker's
// local file store, returning the resulting key.
func (w *Worker) storeProducedFile(ctx context.Context, path string) (filekey.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return filekey.Key{}, err
	}
	defer f.Close()

	key, err := filekey.Sum(f)
	if err != nil {
		return filekey.Key{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return filekey.Key{}, err
	}
	if err := w.fs.Store(ctx, key, f); err != nil {
		return filekey.Key{}, err
	}
	return key, nil
}

// pushBlob uploads a produced file's bytes to the server so the
// scheduler can record it in the shared file store before WorkerDone is
// processed (spec §4.4: "the worker has already uploaded them").
func (w *Worker) pushBlob(ctx context.Context, key filekey.Key) error {
	h, err := w.fs.Get(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()

	f, err := os.Open(h.Path())
	if err != nil {
		return err
	}
	defer f.Close()

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if err := w.stream.Send(&proto.WorkerMessage{ProvideFileHeader: &proto.ProvideFileHeader{Key: key}}); err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := w.stream.Send(&proto.WorkerMessage{FileChunk: &proto.FileChunk{Data: append([]byte(nil), buf[:n]...)}}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return w.stream.Send(&proto.WorkerMessage{FileChunk: &proto.FileChunk{EOF: true}})
		}
		if rerr != nil {
			return rerr
		}
	}
}
