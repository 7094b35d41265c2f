// Package dag implements the data model of spec §3: executions grouped
// into scheduling units, their file dependency edges, resource limits,
// and the results the sandbox adapter and cache report back.
package dag

import (
	"time"

	"github.com/google/uuid"

	"github.com/veluca93/task-maker-go/internal/filekey"
)

// FileUuid is the process-unique, DAG-scoped logical identity of a file,
// distinct from the content hash of its bytes (spec §9 "FileUuid vs.
// FileStoreKey").
type FileUuid string

// NewFileUuid allocates a fresh logical file identity.
func NewFileUuid() FileUuid { return FileUuid(uuid.NewString()) }

// ExecUuid identifies a single Execution within a DAG.
type ExecUuid string

// NewExecUuid allocates a fresh execution identity.
func NewExecUuid() ExecUuid { return ExecUuid(uuid.NewString()) }

// GroupUuid identifies an ExecutionGroup, the unit of scheduling and
// caching.
type GroupUuid string

// NewGroupUuid allocates a fresh group identity.
func NewGroupUuid() GroupUuid { return GroupUuid(uuid.NewString()) }

// WorkerUuid identifies a connected worker.
type WorkerUuid string

// NewWorkerUuid allocates a fresh worker identity.
func NewWorkerUuid() WorkerUuid { return WorkerUuid(uuid.NewString()) }

// Limits is the partial function over the fixed dimension set described in
// spec §3. A nil field denotes "infinite" (absent), per the spec's
// partial-order definition.
type Limits struct {
	WallTime  *time.Duration
	CPUTime   *time.Duration
	SysTime   *time.Duration
	MemoryKiB *uint64
	Processes *uint64
	// FileSizeKiB bounds the size of any single file the execution may
	// create.
	FileSizeKiB *uint64
	StackKiB    *uint64
	// ExtraReadablePaths grants read access to paths outside the sandbox
	// root; this is not a numeric limit dimension and is excluded from the
	// partial-order comparison, but is part of the execution's declared
	// configuration.
	ExtraReadablePaths []string
	// MountTmpfs requests a tmpfs mount be layered into the sandbox.
	MountTmpfs bool
}

// Clone returns a deep copy of l.
func (l Limits) Clone() Limits {
	out := l
	if l.WallTime != nil {
		v := *l.WallTime
		out.WallTime = &v
	}
	if l.CPUTime != nil {
		v := *l.CPUTime
		out.CPUTime = &v
	}
	if l.SysTime != nil {
		v := *l.SysTime
		out.SysTime = &v
	}
	if l.MemoryKiB != nil {
		v := *l.MemoryKiB
		out.MemoryKiB = &v
	}
	if l.Processes != nil {
		v := *l.Processes
		out.Processes = &v
	}
	if l.FileSizeKiB != nil {
		v := *l.FileSizeKiB
		out.FileSizeKiB = &v
	}
	if l.StackKiB != nil {
		v := *l.StackKiB
		out.StackKiB = &v
	}
	if l.ExtraReadablePaths != nil {
		out.ExtraReadablePaths = append([]string(nil), l.ExtraReadablePaths...)
	}
	return out
}

// InputBinding maps a logical file to a sandbox-relative path an
// execution expects it at. Side marks the binding as a cache-only
// dependency whose producer failing does not poison this consumer (spec
// §9 Open Question: this implementation tags side inputs explicitly at
// the DAG level).
type InputBinding struct {
	File       FileUuid
	SandboxPath string
	Executable bool
	Side       bool
}

// OutputDeclaration maps a sandbox-relative path an execution is expected
// to produce to the logical file identity consumers will see.
type OutputDeclaration struct {
	SandboxPath string
	File        FileUuid
}

// FIFODecl names a FIFO shared between the executions of a group.
type FIFODecl struct {
	SandboxPath string
}

// CaptureLimit bounds the bytes captured from a stream into a produced
// file (stdout/stderr capture, spec §3).
type CaptureLimit struct {
	Enabled bool
	Bytes   uint64
}

// Execution is a single sandboxed process run, spec §3.
type Execution struct {
	Uuid        ExecUuid
	Description string
	Tag         *string
	Command     string
	Args        []string
	Env         map[string]string
	Stdin       *FileUuid
	Inputs      []InputBinding
	Outputs     []OutputDeclaration
	StdoutLimit *CaptureLimit
	StderrLimit *CaptureLimit
	Limits      Limits
	Priority    int
	// KeepSandbox retains the sandbox directory after execution for
	// debugging, carried from the original implementation (SPEC_FULL §3)
	// as a declared configuration field rather than a scheduler behavior.
	KeepSandbox bool
}

// ExecutionGroup is a non-empty ordered list of Executions sharing FIFOs;
// the unit of scheduling and caching (spec §3).
type ExecutionGroup struct {
	Uuid       GroupUuid
	Executions []Execution
	Fifos      []FIFODecl
}

// Priority is the group's scheduling priority: the highest declared
// priority among its executions, so a group is never serialized behind
// lower-priority work its own executions outrank.
func (g ExecutionGroup) Priority() int {
	p := 0
	for i, e := range g.Executions {
		if i == 0 || e.Priority > p {
			p = e.Priority
		}
	}
	return p
}

// ProvidedFile is a DAG-level file supplied by the client, spec §3.
type ProvidedFile struct {
	Uuid      FileUuid
	Key       filekey.Key
	LocalPath string // empty if Inline is used
	Inline    []byte
}

// DAG is the full graph submitted in one Evaluate call.
type DAG struct {
	Groups   []ExecutionGroup
	Provided []ProvidedFile
}

// ExecutionStatusKind enumerates the terminal states of spec §3/§7.
type ExecutionStatusKind int

const (
	StatusSuccess ExecutionStatusKind = iota
	StatusReturnCode
	StatusSignal
	StatusTimeLimitExceeded
	StatusWallTimeLimitExceeded
	StatusMemoryLimitExceeded
	StatusInternalError
	StatusSkipped
	StatusKilled
)

func (k ExecutionStatusKind) String() string {
	switch k {
	case StatusSuccess:
		return "Success"
	case StatusReturnCode:
		return "ReturnCode"
	case StatusSignal:
		return "Signal"
	case StatusTimeLimitExceeded:
		return "TimeLimitExceeded"
	case StatusWallTimeLimitExceeded:
		return "WallTimeLimitExceeded"
	case StatusMemoryLimitExceeded:
		return "MemoryLimitExceeded"
	case StatusInternalError:
		return "InternalError"
	case StatusSkipped:
		return "Skipped"
	case StatusKilled:
		return "Killed"
	default:
		return "Unknown"
	}
}

// Resources is the resource-usage snapshot the sandbox adapter reports
// and the cache later recategorizes against new limits.
type Resources struct {
	CPUTime   time.Duration
	SysTime   time.Duration
	WallTime  time.Duration
	MemoryKiB uint64
}

// ExecutionResult is the outcome of one execution, spec §3/§7.
type ExecutionResult struct {
	Status     ExecutionStatusKind
	ReturnCode int
	Signal     int
	Message    string // populated for InternalError
	Resources  Resources
	WasKilled  bool
	WasCached  bool
}

// LimitIndependent reports whether the result's status is determined
// solely by exit behavior (signal, nonzero return code) rather than by
// comparison against a resource limit — such results are reusable from
// the cache regardless of the direction limits moved (spec §4.2).
func (r ExecutionResult) LimitIndependent() bool {
	switch r.Status {
	case StatusSignal, StatusReturnCode:
		return true
	default:
		return false
	}
}

// Cacheable reports whether r may be recorded in the execution cache:
// true unless the status is InternalError (spec §4.2).
func (r ExecutionResult) Cacheable() bool {
	return r.Status != StatusInternalError
}
