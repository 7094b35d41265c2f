// Package client implements the client-side session loop of spec §4.5:
// sending Evaluate, answering the server's AskFile pulls for
// ProvidedFiles, delivering watched output files to registered
// callbacks, and running the 1 s status poller alongside the main
// receive loop.
package client

import (
	"os"
	"path/filepath"

	"github.com/veluca93/task-maker-go/internal/errdefs"
)

// Callback is the sum type over the two file-delivery sinks of spec
// §4.5 ("pure message records" per spec §9, rather than closures
// captured across the network boundary — here realized as Go
// interfaces since delivery happens in-process on the client, not
// serialized over the wire).
type Callback interface {
	deliver(path string, data []byte, success bool) error
}

// WriteToCallback streams a watched file to dest_path. SourceHint, when
// equal to dest, triggers self-write protection (spec §4.5): if the
// produced bytes are already sitting at dest (e.g. a provided file
// echoed back unmodified), the write is skipped.
type WriteToCallback struct {
	DestPath     string
	Executable   bool
	AllowFailure bool
	SourceHint   string
}

func (c WriteToCallback) deliver(tmpPath string, data []byte, success bool) error {
	if !success && !c.AllowFailure {
		return nil
	}
	if c.SourceHint != "" && c.SourceHint == c.DestPath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.DestPath), 0o755); err != nil {
		return errdefs.Errorf(errdefs.Internal, "client: mkdir for %s: %v", c.DestPath, err)
	}
	mode := os.FileMode(0o644)
	if c.Executable {
		mode = 0o755
	}
	if err := os.WriteFile(c.DestPath, data, mode); err != nil {
		return errdefs.Errorf(errdefs.Internal, "client: write %s: %v", c.DestPath, err)
	}
	return nil
}

// GetContentCallback buffers up to Limit bytes of a watched file and
// invokes Func once the stream is fully consumed (spec §4.5). Bytes
// beyond Limit are silently dropped, matching a capture limit rather
// than a hard error.
type GetContentCallback struct {
	Limit uint64
	Func  func(data []byte, success bool)
}

func (c GetContentCallback) deliver(_ string, data []byte, success bool) error {
	if c.Limit > 0 && uint64(len(data)) > c.Limit {
		data = data[:c.Limit]
	}
	if c.Func != nil {
		c.Func(data, success)
	}
	return nil
}
