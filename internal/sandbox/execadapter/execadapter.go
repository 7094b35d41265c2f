// Package execadapter is the reference sandbox.Adapter implementation
// required by spec §4.3 ("a reference adapter... is required so the rest
// of the system has something concrete to run against"). It runs the
// execution as a plain child process via os/exec, enforcing wall time
// with a timer and CPU/memory limits with setrlimit(2), and reports
// rusage-derived resource usage. It provides no real sandboxing
// (namespaces, seccomp, filesystem isolation) — see SPEC_FULL.md and
// DESIGN.md.
package execadapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/sandbox"
)

// Adapter runs one Execution with os/exec under the sandbox root.
type Adapter struct {
	root      string
	execution dag.Execution
	inputs    map[dag.FileUuid]*filestore.Handle
	fifoDir   string

	mu     sync.Mutex
	cmd    *exec.Cmd
	killed bool
}

// New constructs an execadapter.Adapter, matching sandbox.Factory.
func New(ctx context.Context, root string, execution dag.Execution, inputs map[dag.FileUuid]*filestore.Handle, fifoDir string) (sandbox.Adapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errdefs.Errorf(errdefs.Internal, "execadapter: create sandbox root: %v", err)
	}
	return &Adapter{root: root, execution: execution, inputs: inputs, fifoDir: fifoDir}, nil
}

func (a *Adapter) StdoutPath() string            { return filepath.Join(a.root, ".stdout") }
func (a *Adapter) StderrPath() string            { return filepath.Join(a.root, ".stderr") }
func (a *Adapter) OutputPath(rel string) string  { return filepath.Join(a.root, rel) }

// Kill terminates the running process, if any. Safe to call concurrently
// with Run and multiple times.
func (a *Adapter) Kill() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killed = true
	if a.cmd != nil && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
}

// Run materializes the execution's inputs into the sandbox root, spawns
// the command, and waits for it to exit or for ctx/limits to cut it off.
func (a *Adapter) Run(ctx context.Context) (sandbox.Result, error) {
	if err := a.materializeInputs(); err != nil {
		return sandbox.Failed{Err: err}, nil
	}

	stdoutFile, err := os.Create(a.StdoutPath())
	if err != nil {
		return sandbox.Failed{Err: err}, nil
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(a.StderrPath())
	if err != nil {
		return sandbox.Failed{Err: err}, nil
	}
	defer stderrFile.Close()

	cmd := exec.Command(a.execution.Command, a.execution.Args...)
	cmd.Dir = a.root
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = buildEnv(a.execution.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if a.execution.Stdin != nil {
		h := a.inputs[*a.execution.Stdin]
		if h != nil {
			f, err := os.Open(h.Path())
			if err != nil {
				return sandbox.Failed{Err: err}, nil
			}
			defer f.Close()
			cmd.Stdin = f
		}
	}

	a.mu.Lock()
	if a.killed {
		a.mu.Unlock()
		return sandbox.Success{WasKilled: true}, nil
	}
	a.cmd = cmd
	a.mu.Unlock()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandbox.Failed{Err: fmt.Errorf("execadapter: start: %w", err)}, nil
	}
	// Limits are applied via prlimit(2) against the freshly started child
	// rather than between fork and exec (os/exec gives no such hook), so
	// there is a brief window before the limits take effect. Acceptable
	// for a reference adapter; a real sandbox applies these pre-exec.
	applyRlimits(cmd.Process.Pid, a.execution.Limits)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if wt := a.execution.Limits.WallTime; wt != nil {
		timer := time.NewTimer(*wt)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	killedByTimeout := false
	select {
	case waitErr = <-done:
	case <-timeout:
		a.Kill()
		killedByTimeout = true
		waitErr = <-done
	case <-ctx.Done():
		a.Kill()
		waitErr = <-done
	}
	wall := time.Since(start)

	a.mu.Lock()
	killed := a.killed
	a.mu.Unlock()

	res := dag.Resources{WallTime: wall}
	if state := cmd.ProcessState; state != nil {
		res.CPUTime = state.UserTime()
		res.SysTime = state.SystemTime()
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
			res.MemoryKiB = uint64(ru.Maxrss)
		}
	}

	if killed || killedByTimeout {
		return sandbox.Success{WasKilled: true, Resources: res}, nil
	}

	if waitErr == nil {
		return sandbox.Success{ExitStatus: 0, Resources: res}, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		status, _ := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			sig := int(status.Signal())
			return sandbox.Success{Signal: &sig, Resources: res}, nil
		}
		return sandbox.Success{ExitStatus: status.ExitStatus(), Resources: res}, nil
	}
	return sandbox.Failed{Err: waitErr}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// materializeInputs symlinks every resolved input handle into the
// execution's expected sandbox-relative path.
func (a *Adapter) materializeInputs() error {
	for _, in := range a.execution.Inputs {
		h := a.inputs[in.File]
		if h == nil {
			return errdefs.Errorf(errdefs.InvalidArgument, "execadapter: missing input handle for %s", in.File)
		}
		dst := filepath.Join(a.root, in.SandboxPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		os.Remove(dst)
		if err := os.Symlink(h.Path(), dst); err != nil {
			return err
		}
		if in.Executable {
			_ = os.Chmod(h.Path(), 0o755)
		}
	}
	return nil
}

// applyRlimits best-effort applies CPU time, memory, file size, stack,
// and process-count limits to pid via prlimit(2). Failures are ignored:
// this adapter is explicitly non-isolating and a rejected limit here
// should not fail the whole execution (spec §4.3, §1 Non-goals).
func applyRlimits(pid int, limits dag.Limits) {
	set := func(resource int, v *uint64) {
		if v == nil {
			return
		}
		rlim := unix.Rlimit{Cur: *v, Max: *v}
		_ = unix.Prlimit(pid, resource, &rlim, nil)
	}
	if limits.CPUTime != nil {
		secs := uint64(limits.CPUTime.Round(time.Second).Seconds())
		if secs == 0 {
			secs = 1
		}
		set(unix.RLIMIT_CPU, &secs)
	}
	if limits.MemoryKiB != nil {
		bytes := *limits.MemoryKiB * 1024
		set(unix.RLIMIT_AS, &bytes)
	}
	set(unix.RLIMIT_FSIZE, kibToBytes(limits.FileSizeKiB))
	set(unix.RLIMIT_STACK, kibToBytes(limits.StackKiB))
	set(unix.RLIMIT_NPROC, limits.Processes)
}

func kibToBytes(kib *uint64) *uint64 {
	if kib == nil {
		return nil
	}
	b := *kib * 1024
	return &b
}
