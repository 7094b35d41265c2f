package server

import (
	"io"
	"os"

	"github.com/veluca93/task-maker-go/internal/proto"
)

// streamBlobFile reads path in chunks, invoking send for each data
// frame and finally for the terminating EOF frame (spec §4.5: "a
// sequence of chunk frames terminated by an end-of-file frame").
func streamBlobFile(path string, send func(*proto.FileChunk) error) error {
	f, err := os.Open(path)
	if err != nil {
		return send(&proto.FileChunk{EOF: true})
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := send(&proto.FileChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return send(&proto.FileChunk{EOF: true})
		}
		if err != nil {
			return err
		}
	}
}
