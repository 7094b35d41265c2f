package proto

import (
	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
)

// Hello is the first frame sent by either peer on every session, spec
// §9: "a fresh implementation should add an initial Hello{version} frame
// and refuse incompatible peers." Secret carries the shared-secret
// handshake password of spec §6 when the listener was configured with
// one; empty otherwise.
type Hello struct {
	Version int
	Secret  string
}

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion = 1

// FileChunk is one frame of a file transfer: either a data chunk or,
// when EOF is true, the terminating frame (spec §4.5/§6: "a sequence of
// chunk frames terminated by an end-of-file frame").
type FileChunk struct {
	Data []byte
	EOF  bool
}

// WatchedFile records whether the client marked a watched output as
// urgent (spec §4.4, GLOSSARY "Urgent file"). The scheduler does not
// act on Urgent: every watched file, urgent or not, is listed in Done
// and delivered when the client pulls it with AskFile.
type WatchedFile struct {
	Urgent bool
}

// Callbacks is the watch-set the client attaches to an Evaluate call:
// which executions it wants NotifyStart/NotifyDone/NotifySkip for, and
// which output files it wants delivered (spec §4.4).
type Callbacks struct {
	WatchExecutions map[dag.ExecUuid]struct{}
	WatchFiles      map[dag.FileUuid]WatchedFile
}

// --- client -> server ---

// EvaluateRequest is the first message of a client session (spec §4.5).
type EvaluateRequest struct {
	DAG       dag.DAG
	Callbacks Callbacks
}

// ProvideFileHeader announces an upcoming file transfer naming the
// logical file and its (already computed, by the sender) content key.
type ProvideFileHeader struct {
	File dag.FileUuid
	Key  filekey.Key
}

// AskFileRequest is the client's end-of-session pull for one watched
// output (spec §4.5: "AskFile(FileUuid, FileStoreKey, success)").
type AskFileRequest struct {
	File    dag.FileUuid
	Key     filekey.Key
	Success bool
}

// ClientMessage is the sum type of every frame a client may send after
// Hello, modeled as a struct of mutually-exclusive optional fields
// (spec §9: "explicit callback descriptors... sum type", applied here
// to the wire envelope itself since no protobuf oneof is available).
type ClientMessage struct {
	Hello             *Hello
	Evaluate          *EvaluateRequest
	ProvideFileHeader *ProvideFileHeader
	FileChunk         *FileChunk
	AskFile           *AskFileRequest
	Status            *struct{}
	Stop              *struct{}
}

// --- server -> client ---

// AskFileFromServer requests the client upload a ProvidedFile.
type AskFileFromServer struct {
	File dag.FileUuid
}

// ProvideFileToClient announces a pushed watched-file transfer; Success
// reports whether the producing execution actually succeeded (spec
// §4.5: "ProvideFile(FileUuid, success)").
type ProvideFileToClient struct {
	File    dag.FileUuid
	Success bool
}

// NotifyStart reports an execution beginning on a worker (or, for a
// cache hit, a synthesized start with no real worker — spec §4.4).
type NotifyStart struct {
	Execution dag.ExecUuid
	Worker    dag.WorkerUuid
}

// NotifyDone reports an execution's terminal result.
type NotifyDone struct {
	Execution dag.ExecUuid
	Result    dag.ExecutionResult
}

// NotifySkip reports an execution skipped by dependency propagation.
type NotifySkip struct {
	Execution dag.ExecUuid
}

// WorkerSummary is one row of a Status reply's worker list.
type WorkerSummary struct {
	Worker dag.WorkerUuid
	Name   string
	Busy   bool
}

// StatusSnapshot is the read-only reply to a client Status poll (spec
// §4.4: "snapshot the current worker list and the counts of ready and
// waiting executions").
type StatusSnapshot struct {
	Workers  []WorkerSummary
	Ready    int
	Waiting  int
	Running  int
}

// DoneFile is one row of the final Done message's file list.
type DoneFile struct {
	File    dag.FileUuid
	Key     filekey.Key
	Success bool
}

// DoneNotification is the terminal message of a session (spec §4.5).
type DoneNotification struct {
	Files []DoneFile
}

// ErrorNotification is a fatal, session-ending error (spec §7).
type ErrorNotification struct {
	Message string
}

// ServerMessage is the sum type of every frame a server may send to a
// client after Hello.
type ServerMessage struct {
	Hello       *Hello
	AskFile     *AskFileFromServer
	ProvideFile *ProvideFileToClient
	FileChunk   *FileChunk
	NotifyStart *NotifyStart
	NotifyDone  *NotifyDone
	NotifySkip  *NotifySkip
	Status      *StatusSnapshot
	Done        *DoneNotification
	Error       *ErrorNotification
}

// --- worker -> server ---

// WorkerConnect registers a worker with its display name and core count
// (spec §4.4: "WorkerConnect(name)"). The scheduler records Cores on the
// worker's handle but dispatches one group at a time to each worker
// regardless of it.
type WorkerConnect struct {
	Name  string
	Cores int
}

// AskFileFromWorker requests a dependency blob by content key, which the
// server serves either from FS directly or by forwarding to the client
// (spec §4.4).
type AskFileFromWorker struct {
	Key filekey.Key
}

// WorkerDone reports a completed group's per-execution results and
// produced output keys (spec §4.4: "WorkerDone(group, results,
// output_keys)").
type WorkerDone struct {
	Group   dag.GroupUuid
	Results []dag.ExecutionResult
	Outputs []map[dag.FileUuid]filekey.Key
}

// WorkerMessage is the sum type of every frame a worker may send after
// Hello.
type WorkerMessage struct {
	Hello             *Hello
	Connect           *WorkerConnect
	GetWork           *struct{}
	AskFile           *AskFileFromWorker
	ProvideFileHeader *ProvideFileHeader
	FileChunk         *FileChunk
	WorkerDone        *WorkerDone
}

// --- server -> worker ---

// WorkAssignment is a dispatched ExecutionGroup plus the resolved
// content keys for every file it depends on (spec §4.4: "Work(group,
// dep_keys)").
type WorkAssignment struct {
	Group   dag.ExecutionGroup
	DepKeys map[dag.FileUuid]filekey.Key
}

// ProvideFileToWorker pushes a dependency blob to a worker.
type ProvideFileToWorker struct {
	Key filekey.Key
}

// KillJob requests a worker terminate every sandbox in a group (spec
// §5: "client→server Stop causes the server to issue KillJob(groupUuid)
// to every worker owning an affected job").
type KillJob struct {
	Group dag.GroupUuid
}

// ServerToWorkerMessage is the sum type of every frame a server may send
// to a worker after Hello.
type ServerToWorkerMessage struct {
	Hello             *Hello
	Work              *WorkAssignment
	ProvideFileHeader *ProvideFileToWorker
	FileChunk         *FileChunk
	KillJob           *KillJob
	Error             *ErrorNotification
}
