package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/client"
	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/execcache"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/netutil"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/sandbox"
	"github.com/veluca93/task-maker-go/internal/worker"
)

// fakeAdapter stands in for execadapter in this test: it writes a fixed
// byte string to its declared output instead of actually forking a
// process, keeping the test deterministic and independent of any real
// sandboxing primitive.
type fakeAdapter struct {
	root string
}

func (a *fakeAdapter) Run(ctx context.Context) (sandbox.Result, error) {
	if err := os.WriteFile(filepath.Join(a.root, "out.txt"), []byte("hello from worker"), 0o644); err != nil {
		return nil, err
	}
	return sandbox.Success{ExitStatus: 0}, nil
}
func (a *fakeAdapter) Kill()                        {}
func (a *fakeAdapter) StdoutPath() string           { return filepath.Join(a.root, ".stdout") }
func (a *fakeAdapter) StderrPath() string           { return filepath.Join(a.root, ".stderr") }
func (a *fakeAdapter) OutputPath(rel string) string { return filepath.Join(a.root, rel) }

func fakeFactory(ctx context.Context, root string, execution dag.Execution, inputs map[dag.FileUuid]*filestore.Handle, fifoDir string) (sandbox.Adapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fakeAdapter{root: root}, nil
}

// TestEndToEndSingleExecution wires a real Server around a real
// Scheduler/FileStore/Cache, connects one worker and one client over
// netutil.PipeListener, and drives a one-execution DAG through the
// wire protocol end to end (spec §8 scenario: submit, run, produce
// output, client fetches it).
func TestEndToEndSingleExecution(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fs, err := filestore.Open(ctx, t.TempDir(), 64, 32)
	require.NoError(t, err)
	cache := execcache.New()
	srv := New(fs, cache, Config{})

	clientLis := netutil.NewPipeListener("client")
	workerLis := netutil.NewPipeListener("worker")
	defer clientLis.Close()
	defer workerLis.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = srv.ServeClients(clientLis) }()
	go func() { defer wg.Done(); _ = srv.ServeWorkers(workerLis) }()

	workerFs, err := filestore.Open(ctx, t.TempDir(), 64, 32)
	require.NoError(t, err)

	workerCC, err := worker.DialInProcess(ctx, workerLis)
	require.NoError(t, err)
	workerStream, err := proto.NewWorkerServiceClient(ctx, workerCC)
	require.NoError(t, err)

	w := worker.New(workerStream, "test-worker", 1, t.TempDir(), workerFs, fakeFactory)
	go func() { _ = w.Run(ctx, "") }()

	clientCC, err := client.DialInProcess(ctx, clientLis)
	require.NoError(t, err)
	sess, err := client.Dial(ctx, clientCC, "")
	require.NoError(t, err)

	outFile := dag.NewFileUuid()
	execUuid := dag.NewExecUuid()
	groupUuid := dag.NewGroupUuid()

	d := dag.DAG{
		Groups: []dag.ExecutionGroup{
			{
				Uuid: groupUuid,
				Executions: []dag.Execution{
					{
						Uuid:    execUuid,
						Command: "/bin/true",
						Outputs: []dag.OutputDeclaration{{SandboxPath: "out.txt", File: outFile}},
					},
				},
			},
		},
	}

	var (
		mu      sync.Mutex
		started bool
		doneRes dag.ExecutionResult
		gotDone bool
		content []byte
		gotFile bool
	)

	req := &client.EvaluateRequest{
		DAG: d,
		OnStart: map[dag.ExecUuid]func(dag.WorkerUuid){
			execUuid: func(dag.WorkerUuid) {
				mu.Lock()
				started = true
				mu.Unlock()
			},
		},
		OnDone: map[dag.ExecUuid]func(dag.ExecutionResult){
			execUuid: func(r dag.ExecutionResult) {
				mu.Lock()
				doneRes = r
				gotDone = true
				mu.Unlock()
			},
		},
		Files: map[dag.FileUuid]client.FileWatch{
			outFile: {
				Callbacks: []client.Callback{
					client.GetContentCallback{Func: func(data []byte, success bool) {
						mu.Lock()
						content = append([]byte(nil), data...)
						gotFile = success
						mu.Unlock()
					}},
				},
			},
		},
	}

	require.NoError(t, sess.Evaluate(ctx, req))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, started)
	require.True(t, gotDone)
	require.Equal(t, dag.StatusSuccess, doneRes.Status)
	require.True(t, gotFile)
	require.Equal(t, "hello from worker", string(content))
}
