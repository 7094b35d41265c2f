// Package proto defines the wire messages and transport plumbing of spec
// §4.5/§6: client/server and worker/server sessions carried over
// bidirectional gRPC streams, with a hand-rolled codec in place of
// protobuf (no protoc is available in this environment — see
// SPEC_FULL.md and DESIGN.md) and a Hello{version} handshake frame per
// spec §9's protocol-evolution open question.
package proto

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding registry and selected via
// grpc.CallContentSubtype / grpc.ForceServerCodec.
const codecName = "gob"

// gobCodec adapts encoding/gob to grpc's encoding.Codec, the same seam a
// protobuf codec plugs into — every message type here is a plain
// gob-encodable Go struct rather than a generated protobuf message.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("proto: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("proto: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// CodecName is exported so dial/serve call sites can force it explicitly
// via grpc.CallContentSubtype(CodecName) / grpc.ForceServerCodec.
const CodecName = codecName
