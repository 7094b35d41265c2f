package execcache

import (
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
)

// Key is the fingerprint of spec §3 CacheKey: a hash of an
// ExecutionGroup's command, arguments, environment (sorted), stdin
// binding, input bindings (as a sorted list of (sandbox path, key,
// executable) tuples), output declarations, and the FIFO structure.
// Limits, description, tag, and priority are deliberately excluded.
type Key [32]byte

// Compute derives the CacheKey for group given the resolved FileStoreKey
// for every FileUuid it consumes.
func Compute(group dag.ExecutionGroup, resolved map[dag.FileUuid]filekey.Key) Key {
	h, _ := blake2b.New256(nil)
	for _, fifo := range sortedFifos(group.Fifos) {
		writeString(h, "fifo")
		writeString(h, fifo.SandboxPath)
	}
	for _, e := range group.Executions {
		writeExecution(h, e, resolved)
	}
	var out Key
	copy(out[:], h.Sum(nil))
	return out
}

func sortedFifos(fifos []dag.FIFODecl) []dag.FIFODecl {
	out := append([]dag.FIFODecl(nil), fifos...)
	sort.Slice(out, func(i, j int) bool { return out[i].SandboxPath < out[j].SandboxPath })
	return out
}

type inputTuple struct {
	sandboxPath string
	key         filekey.Key
	executable  bool
}

func writeExecution(h io.Writer, e dag.Execution, resolved map[dag.FileUuid]filekey.Key) {
	writeString(h, "exec")
	writeString(h, e.Command)
	for _, a := range e.Args {
		writeString(h, a)
	}

	envKeys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		writeString(h, k)
		writeString(h, e.Env[k])
	}

	if e.Stdin != nil {
		writeString(h, "stdin")
		k := resolved[*e.Stdin]
		h.Write(k[:])
	}

	tuples := make([]inputTuple, 0, len(e.Inputs))
	for _, in := range e.Inputs {
		tuples = append(tuples, inputTuple{sandboxPath: in.SandboxPath, key: resolved[in.File], executable: in.Executable})
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].sandboxPath < tuples[j].sandboxPath })
	for _, t := range tuples {
		writeString(h, t.sandboxPath)
		h.Write(t.key[:])
		writeBool(h, t.executable)
	}

	outs := append([]dag.OutputDeclaration(nil), e.Outputs...)
	sort.Slice(outs, func(i, j int) bool { return outs[i].SandboxPath < outs[j].SandboxPath })
	for _, o := range outs {
		writeString(h, "out")
		writeString(h, o.SandboxPath)
	}
}

func writeString(h io.Writer, s string) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(s)))
	h.Write(length[:])
	io.WriteString(h, s)
}

func writeBool(h io.Writer, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}
