// Package scheduler implements the server core of spec §4.4: the
// worker registry, the priority ready queue, per-session DAG admission,
// the single-threaded event-driven dispatch loop, skip propagation, and
// completion/Done emission. All state is serialized behind a single
// mutex, the Go realization of the spec's "single-threaded cooperative"
// scheduling model (moby-moby's own daemon state is likewise guarded by
// coarse mutexes rather than channel ownership per subsystem).
package scheduler

import (
	"context"
	"sync"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/execcache"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
)

// WorkerHandle is the registry's view of one connected worker (spec
// §4.4: "a registry of connected workers, each with {uuid, name, sender
// channel, current job slot}").
type WorkerHandle struct {
	Uuid  dag.WorkerUuid
	Name  string
	Cores int

	send func(*proto.ServerToWorkerMessage) error

	busy    bool
	session string
	group   dag.GroupUuid
}

// Send delivers a frame to the worker's session stream.
func (w *WorkerHandle) Send(m *proto.ServerToWorkerMessage) error { return w.send(m) }

// Scheduler owns the worker registry, the shared ready queue, and every
// live session. One Scheduler instance backs both the client-facing and
// worker-facing gRPC services.
type Scheduler struct {
	fs    *filestore.Store
	cache *execcache.Cache

	mu       sync.Mutex
	workers  map[dag.WorkerUuid]*WorkerHandle
	sessions map[string]*session
	ready    *readyQueue

	metrics *schedulerMetrics
}

// New constructs a Scheduler backed by fs and cache.
func New(fs *filestore.Store, cache *execcache.Cache) *Scheduler {
	return &Scheduler{
		fs:       fs,
		cache:    cache,
		workers:  make(map[dag.WorkerUuid]*WorkerHandle),
		sessions: make(map[string]*session),
		ready:    newReadyQueue(),
		metrics:  newSchedulerMetrics(),
	}
}

// RegisterWorker admits a worker into the pool and immediately attempts
// to dispatch queued work to it.
func (s *Scheduler) RegisterWorker(name string, cores int, send func(*proto.ServerToWorkerMessage) error) *WorkerHandle {
	w := &WorkerHandle{Uuid: dag.NewWorkerUuid(), Name: name, Cores: cores, send: send}
	s.mu.Lock()
	s.workers[w.Uuid] = w
	s.metrics.workers.Set(float64(len(s.workers)))
	s.mu.Unlock()
	s.dispatch()
	return w
}

// UnregisterWorker removes a disconnected worker, requeuing its current
// job if it owned one (spec §4.4 "Worker lifecycle").
func (s *Scheduler) UnregisterWorker(ctx context.Context, uuid dag.WorkerUuid) {
	s.mu.Lock()
	w, ok := s.workers[uuid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.workers, uuid)
	s.metrics.workers.Set(float64(len(s.workers)))
	var requeue *session
	var group dag.ExecutionGroup
	if w.busy {
		if sess, ok := s.sessions[w.session]; ok {
			if g, ok := sess.groups[w.group]; ok {
				delete(sess.running, w.group)
				requeue, group = sess, g
			}
		}
	}
	s.mu.Unlock()

	if requeue != nil {
		logging.G(ctx).WithField("group", group.Uuid).Warn("scheduler: worker disconnected mid-job, requeuing")
		s.mu.Lock()
		s.ready.push(requeue.id, group)
		s.mu.Unlock()
	}
	s.dispatch()
}

// Evaluate admits a new DAG (spec §4.4 "Admission and DAG ingest"),
// returning an error only for structural violations; all other outcomes
// are reported asynchronously over events.
func (s *Scheduler) Evaluate(ctx context.Context, id string, d dag.DAG, callbacks proto.Callbacks, events chan *proto.ServerMessage) error {
	if err := dag.Validate(&d); err != nil {
		return errdefs.Errorf(errdefs.InvalidArgument, "scheduler: %v", err)
	}

	sess := newSession(id, d, callbacks, events)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if len(d.Groups) == 0 {
		events <- &proto.ServerMessage{Done: &proto.DoneNotification{}}
		s.teardown(id)
		return nil
	}

	missing := sess.missingProvidedFiles(func(k filekey.Key) bool { return s.fs.HasKey(ctx, k) })
	s.mu.Lock()
	for _, pf := range missing {
		delete(sess.resolved, pf.Uuid)
	}
	s.mu.Unlock()
	for _, pf := range missing {
		events <- &proto.ServerMessage{AskFile: &proto.AskFileFromServer{File: pf.Uuid}}
	}

	s.mu.Lock()
	for _, g := range sess.initialReadyGroups() {
		s.ready.push(id, g)
	}
	s.mu.Unlock()

	s.dispatch()
	return nil
}

// ProvideFile records a client-supplied blob's key as resolved for file
// (called once its bytes have landed in FS), a completion of an
// outstanding AskFile round-trip.
func (s *Scheduler) ProvideFile(ctx context.Context, id string, file dag.FileUuid, key filekey.Key) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	unblocked := sess.resolve(file, key, true)
	for _, g := range unblocked {
		s.ready.push(id, sess.groups[g])
	}
	s.mu.Unlock()
	s.dispatch()
}

// dispatch drains the ready queue against idle workers, consulting the
// cache first for each popped group (spec §4.4 "Scheduling loop"). Any
// popped group already running/completed/skipped is dropped rather than
// dispatched or cache-completed a second time, so a duplicate queue
// entry is a no-op.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		item, ok := s.ready.pop()
		if !ok {
			s.mu.Unlock()
			break
		}
		s.metrics.readyDepth.Set(float64(s.ready.Len()))
		sess, live := s.sessions[item.session]
		if !live {
			s.mu.Unlock()
			continue
		}
		if _, running := sess.running[item.group.Uuid]; running {
			s.mu.Unlock()
			continue
		}
		if _, done := sess.completed[item.group.Uuid]; done {
			s.mu.Unlock()
			continue
		}
		if _, skipped := sess.skipped[item.group.Uuid]; skipped {
			s.mu.Unlock()
			continue
		}

		resolved := make(map[dag.FileUuid]filekey.Key, len(sess.resolved))
		for k, v := range sess.resolved {
			resolved[k] = v
		}
		s.mu.Unlock()

		ctx := context.Background()
		if hit, ok := s.cache.Lookup(ctx, item.group, resolved, s.fs); ok {
			for _, e := range item.group.Executions {
				if sess.isWatchedExec(e.Uuid) {
					sess.events <- &proto.ServerMessage{NotifyStart: &proto.NotifyStart{Execution: e.Uuid}}
				}
			}
			s.completeGroup(ctx, sess, item.group, "", hit.Results, hit.Outputs)
			for _, h := range hit.Handles {
				h.Release()
			}
			continue
		}

		worker := s.claimIdleWorker()
		if worker == nil {
			s.mu.Lock()
			s.ready.push(item.session, item.group)
			s.mu.Unlock()
			break
		}

		depKeys := make(map[dag.FileUuid]filekey.Key)
		for _, e := range item.group.Executions {
			if e.Stdin != nil {
				depKeys[*e.Stdin] = resolved[*e.Stdin]
			}
			for _, in := range e.Inputs {
				depKeys[in.File] = resolved[in.File]
			}
		}

		s.mu.Lock()
		worker.busy = true
		worker.session = item.session
		worker.group = item.group.Uuid
		sess.running[item.group.Uuid] = worker.Uuid
		s.mu.Unlock()

		for _, e := range item.group.Executions {
			if sess.isWatchedExec(e.Uuid) {
				sess.events <- &proto.ServerMessage{NotifyStart: &proto.NotifyStart{Execution: e.Uuid, Worker: worker.Uuid}}
			}
		}

		if err := worker.Send(&proto.ServerToWorkerMessage{Work: &proto.WorkAssignment{Group: item.group, DepKeys: depKeys}}); err != nil {
			s.UnregisterWorker(context.Background(), worker.Uuid)
		}
	}
}

func (s *Scheduler) claimIdleWorker() *WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

// WorkerDone records a worker's completed group (spec §4.4
// "WorkerDone"). The worker has already uploaded every output blob into
// FS by the time this is called.
func (s *Scheduler) WorkerDone(ctx context.Context, workerUuid dag.WorkerUuid, group dag.GroupUuid, results []dag.ExecutionResult, outputs []map[dag.FileUuid]filekey.Key) error {
	s.mu.Lock()
	w, ok := s.workers[workerUuid]
	if !ok {
		s.mu.Unlock()
		return errdefs.Errorf(errdefs.FailedPrecondition, "scheduler: WorkerDone from unregistered worker")
	}
	sess, ok := s.sessions[w.session]
	if !ok || w.group != group {
		s.mu.Unlock()
		return errdefs.Errorf(errdefs.FailedPrecondition, "scheduler: WorkerDone with no active job")
	}
	w.busy = false
	s.mu.Unlock()

	s.completeGroup(ctx, sess, sess.groups[group], workerUuid, results, outputs)
	s.dispatch()
	return nil
}

// completeGroup is the shared tail of both a cache hit and a real
// worker completion: record outputs, maybe insert into the cache, wake
// downstream groups, propagate skips, and notify the client.
func (s *Scheduler) completeGroup(ctx context.Context, sess *session, group dag.ExecutionGroup, worker dag.WorkerUuid, results []dag.ExecutionResult, outputs []map[dag.FileUuid]filekey.Key) {
	resolved := make(map[dag.FileUuid]filekey.Key)
	s.mu.Lock()
	for k, v := range sess.resolved {
		resolved[k] = v
	}
	s.mu.Unlock()

	if execcache.Cacheable(results) {
		s.cache.Insert(group, resolved, results, outputs)
	}

	var unblocked []dag.GroupUuid
	var poisoned []dag.GroupUuid

	s.mu.Lock()
	delete(sess.running, group.Uuid)
	sess.completed[group.Uuid] = struct{}{}
	s.mu.Unlock()

	for i, e := range group.Executions {
		ok := results[i].Status == dag.StatusSuccess
		for _, o := range e.Outputs {
			key, produced := outputs[i][o.File]
			if !produced {
				key = filekey.Empty
			}
			s.mu.Lock()
			u := sess.resolve(o.File, key, ok)
			unblocked = append(unblocked, u...)
			if !ok {
				poisoned = append(poisoned, sess.poisonedConsumers(o.File)...)
			}
			s.mu.Unlock()
		}
		if sess.isWatchedExec(e.Uuid) {
			sess.events <- &proto.ServerMessage{NotifyDone: &proto.NotifyDone{Execution: e.Uuid, Result: results[i]}}
		}
	}

	// Skip propagation runs before unblocked groups are enqueued, so a
	// group that is both newly-ready and poisoned is never dispatched.
	s.propagateSkip(sess, poisoned)

	s.mu.Lock()
	for _, g := range unblocked {
		if _, done := sess.completed[g]; done {
			continue
		}
		if _, skip := sess.skipped[g]; skip {
			continue
		}
		s.ready.push(sess.id, sess.groups[g])
	}
	s.mu.Unlock()

	s.maybeFinish(ctx, sess)
}

// propagateSkip marks every group in frontier, and transitively every
// group that non-side-consumes one of its outputs, as Skipped (spec
// §4.4 "Skip propagation").
func (s *Scheduler) propagateSkip(sess *session, frontier []dag.GroupUuid) {
	for len(frontier) > 0 {
		guuid := frontier[0]
		frontier = frontier[1:]

		s.mu.Lock()
		if _, done := sess.completed[guuid]; done {
			s.mu.Unlock()
			continue
		}
		if _, already := sess.skipped[guuid]; already {
			s.mu.Unlock()
			continue
		}
		group := sess.groups[guuid]
		sess.skipped[guuid] = struct{}{}
		s.mu.Unlock()

		for _, e := range group.Executions {
			if sess.isWatchedExec(e.Uuid) {
				sess.events <- &proto.ServerMessage{NotifySkip: &proto.NotifySkip{Execution: e.Uuid}}
			}
			for _, o := range e.Outputs {
				s.mu.Lock()
				sess.outcomes[o.File] = false
				next := sess.poisonedConsumers(o.File)
				s.mu.Unlock()
				frontier = append(frontier, next...)
			}
		}
	}
}

// maybeFinish emits Done once every group has reached a terminal state
// (spec §4.4 "Completion").
func (s *Scheduler) maybeFinish(ctx context.Context, sess *session) {
	s.mu.Lock()
	done := sess.finished()
	s.mu.Unlock()
	if !done {
		return
	}

	var files []proto.DoneFile
	s.mu.Lock()
	for file := range sess.callbacks.WatchFiles {
		key, ok := sess.resolved[file]
		succ := sess.outcomes[file]
		files = append(files, proto.DoneFile{File: file, Key: key, Success: ok && succ})
	}
	s.mu.Unlock()

	sess.events <- &proto.ServerMessage{Done: &proto.DoneNotification{Files: files}}
	s.teardown(sess.id)
}

// Stop cancels a session: every worker owning one of its jobs receives
// KillJob, and the session is torn down (spec §4.4/§5 "Termination
// paths").
func (s *Scheduler) Stop(ctx context.Context, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	var kill []*WorkerHandle
	for _, wuuid := range sess.running {
		if w, ok := s.workers[wuuid]; ok {
			kill = append(kill, w)
		}
	}
	s.mu.Unlock()

	for _, w := range kill {
		if err := w.Send(&proto.ServerToWorkerMessage{KillJob: &proto.KillJob{Group: w.group}}); err != nil {
			logging.G(ctx).WithError(err).Warn("scheduler: failed to deliver KillJob")
		}
	}
	s.teardown(id)
}

func (s *Scheduler) teardown(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Status takes a read-only snapshot for a client Status poll (spec
// §4.4 "Status polling").
func (s *Scheduler) Status() *proto.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &proto.StatusSnapshot{}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, proto.WorkerSummary{Worker: w.Uuid, Name: w.Name, Busy: w.busy})
	}
	snap.Ready = s.ready.Len()
	for _, sess := range s.sessions {
		snap.Running += len(sess.running)
		for guuid := range sess.groups {
			if _, done := sess.completed[guuid]; done {
				continue
			}
			if _, skip := sess.skipped[guuid]; skip {
				continue
			}
			if _, running := sess.running[guuid]; running {
				continue
			}
			snap.Waiting++
		}
	}
	return snap
}
