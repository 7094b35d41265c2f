// Package sandbox defines the narrow interface the scheduler and worker
// use to launch a single execution under resource limits (spec §4.3).
// No sandbox implementation (namespaces, cgroups, seccomp) lives here —
// that is explicitly out of scope (spec §1); this package only fixes the
// contract a pluggable adapter must satisfy.
package sandbox

import (
	"context"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filestore"
)

// Result is the outcome of one sandboxed run: either Success, carrying
// resource usage, or Failed, carrying an adapter-level error (distinct
// from a nonzero exit code, which is still Success from the adapter's
// point of view — spec §4.3).
type Result interface {
	isResult()
}

// Success is returned when the sandboxed process ran to completion
// (however it exited).
type Success struct {
	ExitStatus int
	Signal     *int
	Resources  dag.Resources
	WasKilled  bool
}

func (Success) isResult() {}

// Failed is returned when the adapter itself could not run the process
// (exec failure, resource setup failure) — maps to ExecutionResult{
// Status: InternalError} and is never cacheable (spec §4.2, §7).
type Failed struct {
	Err error
}

func (Failed) isResult() {}

// Adapter runs a single Execution to completion. Implementations are
// constructed with the sandbox root, the execution, the resolved input
// handles, and an optional shared FIFO directory (spec §4.3).
type Adapter interface {
	// Run blocks until the process exits, is killed, or ctx is done.
	Run(ctx context.Context) (Result, error)
	// Kill requests asynchronous termination; idempotent and safe to call
	// from another goroutine.
	Kill()
	// StdoutPath, StderrPath, and OutputPath give the location of
	// produced files for the scheduler to hash and store.
	StdoutPath() string
	StderrPath() string
	OutputPath(relpath string) string
}

// Factory constructs an Adapter for one execution. fifoDir is empty when
// the execution's group declares no FIFOs.
type Factory func(ctx context.Context, root string, execution dag.Execution, inputs map[dag.FileUuid]*filestore.Handle, fifoDir string) (Adapter, error)
