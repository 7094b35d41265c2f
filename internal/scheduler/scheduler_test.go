package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/execcache"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/proto"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	fs, err := filestore.Open(context.Background(), t.TempDir(), 64, 32)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return New(fs, execcache.New())
}

// fakeWorker drains WorkAssignments off a channel and answers with a
// scripted result, exercising the same path a real internal/worker
// client would (spec §8 scenario 2/6).
type fakeWorker struct {
	t   *testing.T
	sch *Scheduler
	out chan *proto.ServerToWorkerMessage
}

func registerFakeWorker(t *testing.T, sch *Scheduler, respond func(w *proto.WorkAssignment) ([]dag.ExecutionResult, []map[dag.FileUuid]filekey.Key)) *WorkerHandle {
	t.Helper()
	fw := &fakeWorker{t: t, sch: sch, out: make(chan *proto.ServerToWorkerMessage, 8)}
	var handle *WorkerHandle
	handle = sch.RegisterWorker("fake", 1, func(m *proto.ServerToWorkerMessage) error {
		if m.Work != nil {
			go func() {
				results, outputs := respond(m.Work)
				require.NoError(t, sch.WorkerDone(context.Background(), handle.Uuid, m.Work.Group.Uuid, results, outputs))
			}()
		}
		return nil
	})
	return handle
}

func drainEvents(events chan *proto.ServerMessage, timeout time.Duration) []*proto.ServerMessage {
	var out []*proto.ServerMessage
	deadline := time.After(timeout)
	for {
		select {
		case m := <-events:
			out = append(out, m)
			if m.Done != nil {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

func TestEvaluateEmptyDAGYieldsDone(t *testing.T) {
	sch := newTestScheduler(t)
	events := make(chan *proto.ServerMessage, 4)
	require.NoError(t, sch.Evaluate(context.Background(), "s1", dag.DAG{}, proto.Callbacks{}, events))

	msgs := drainEvents(events, time.Second)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Done)
	assert.Empty(t, msgs[0].Done.Files)
}

func TestSingleExecutionSuccessNotifiesAndDone(t *testing.T) {
	sch := newTestScheduler(t)
	_ = registerFakeWorker(t, sch, func(w *proto.WorkAssignment) ([]dag.ExecutionResult, []map[dag.FileUuid]filekey.Key) {
		return []dag.ExecutionResult{{Status: dag.StatusSuccess}}, []map[dag.FileUuid]filekey.Key{{"out": filekey.Empty}}
	})

	execUuid := dag.NewExecUuid()
	group := dag.ExecutionGroup{Uuid: dag.NewGroupUuid(), Executions: []dag.Execution{{
		Uuid: execUuid, Command: "/bin/echo", Args: []string{"hello"},
		Outputs: []dag.OutputDeclaration{{SandboxPath: "stdout", File: "out"}},
	}}}
	d := dag.DAG{Groups: []dag.ExecutionGroup{group}}
	callbacks := proto.Callbacks{
		WatchExecutions: map[dag.ExecUuid]struct{}{execUuid: {}},
		WatchFiles:      map[dag.FileUuid]proto.WatchedFile{"out": {}},
	}

	events := make(chan *proto.ServerMessage, 8)
	require.NoError(t, sch.Evaluate(context.Background(), "s2", d, callbacks, events))

	msgs := drainEvents(events, 2*time.Second)
	require.NotEmpty(t, msgs)
	assert.NotNil(t, msgs[0].NotifyStart)
	var sawDone, sawFinal bool
	for _, m := range msgs {
		if m.NotifyDone != nil {
			sawDone = true
			assert.Equal(t, dag.StatusSuccess, m.NotifyDone.Result.Status)
		}
		if m.Done != nil {
			sawFinal = true
			require.Len(t, m.Done.Files, 1)
			assert.True(t, m.Done.Files[0].Success)
		}
	}
	assert.True(t, sawDone)
	assert.True(t, sawFinal)
}

func TestCacheHitNeverContactsWorker(t *testing.T) {
	sch := newTestScheduler(t)
	contacted := false
	registerFakeWorker(t, sch, func(w *proto.WorkAssignment) ([]dag.ExecutionResult, []map[dag.FileUuid]filekey.Key) {
		contacted = true
		return []dag.ExecutionResult{{Status: dag.StatusSuccess}}, []map[dag.FileUuid]filekey.Key{{"out": filekey.Empty}}
	})

	group := dag.ExecutionGroup{Uuid: dag.NewGroupUuid(), Executions: []dag.Execution{{
		Uuid: dag.NewExecUuid(), Command: "/bin/echo", Args: []string{"hello"},
		Outputs: []dag.OutputDeclaration{{SandboxPath: "stdout", File: "out"}},
	}}}
	require.NoError(t, sch.fs.Store(context.Background(), filekey.Empty, strings.NewReader("")))
	sch.cache.Insert(group, map[dag.FileUuid]filekey.Key{}, []dag.ExecutionResult{{Status: dag.StatusSuccess}}, []map[dag.FileUuid]filekey.Key{{"out": filekey.Empty}})

	d := dag.DAG{Groups: []dag.ExecutionGroup{group}}
	events := make(chan *proto.ServerMessage, 8)
	require.NoError(t, sch.Evaluate(context.Background(), "s3", d, proto.Callbacks{}, events))

	msgs := drainEvents(events, time.Second)
	require.NotEmpty(t, msgs)
	assert.NotNil(t, msgs[len(msgs)-1].Done)
	assert.False(t, contacted, "a cache hit must never dispatch to a worker")
}

func TestSkipPropagation(t *testing.T) {
	sch := newTestScheduler(t)
	registerFakeWorker(t, sch, func(w *proto.WorkAssignment) ([]dag.ExecutionResult, []map[dag.FileUuid]filekey.Key) {
		if w.Group.Executions[0].Command == "/bin/false" {
			return []dag.ExecutionResult{{Status: dag.StatusReturnCode, ReturnCode: 1}}, []map[dag.FileUuid]filekey.Key{{}}
		}
		t.Fatalf("downstream execution must not run after a non-side dependency failed")
		return nil, nil
	})

	groupA := dag.ExecutionGroup{Uuid: dag.NewGroupUuid(), Executions: []dag.Execution{{
		Uuid: dag.NewExecUuid(), Command: "/bin/false",
		Outputs: []dag.OutputDeclaration{{SandboxPath: "out", File: "f"}},
	}}}
	execB := dag.NewExecUuid()
	groupB := dag.ExecutionGroup{Uuid: dag.NewGroupUuid(), Executions: []dag.Execution{{
		Uuid: execB, Command: "/bin/cat", Args: []string{"in"},
		Inputs: []dag.InputBinding{{File: "f", SandboxPath: "in"}},
	}}}
	d := dag.DAG{Groups: []dag.ExecutionGroup{groupA, groupB}}
	callbacks := proto.Callbacks{WatchExecutions: map[dag.ExecUuid]struct{}{execB: {}}}

	events := make(chan *proto.ServerMessage, 8)
	require.NoError(t, sch.Evaluate(context.Background(), "s4", d, callbacks, events))

	msgs := drainEvents(events, time.Second)
	var sawSkip bool
	for _, m := range msgs {
		if m.NotifySkip != nil {
			sawSkip = true
			assert.Equal(t, execB, m.NotifySkip.Execution)
		}
	}
	assert.True(t, sawSkip)
}
