// Package filekey defines the content-addressed key used by the file store
// and the execution cache to identify file bytes independent of their
// logical identity in a DAG.
package filekey

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of a Key (BLAKE2b-512).
const Size = blake2b.Size

// Key is the BLAKE2b-512 hash of a blob's bytes.
type Key [Size]byte

// Zero reports whether k is the zero value (never a valid content hash).
func (k Key) Zero() bool {
	return k == Key{}
}

// String renders k as lowercase hex, matching the on-disk path scheme
// described by the file store (root/h0/h1/hex(hash)).
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShardPath returns the two-level directory prefix used to shard blobs on
// disk, avoiding directories with too many entries.
func (k Key) ShardPath() (h0, h1 string) {
	s := k.String()
	return s[0:2], s[2:4]
}

// Parse decodes a hex-encoded key previously produced by String.
func Parse(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("filekey: invalid hex key %q: %w", s, err)
	}
	if len(b) != Size {
		return k, fmt.Errorf("filekey: wrong key length %d, want %d", len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

// Sum hashes r in full and returns the resulting key.
func Sum(r io.Reader) (Key, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return Key{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Key{}, err
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k, nil
}

// SumBytes is a convenience wrapper around Sum for in-memory byte slices.
func SumBytes(b []byte) Key {
	sum := blake2b.Sum512(b)
	return Key(sum)
}

// Empty is the key of the zero-length blob, substituted by the scheduler
// whenever a declared output is missing after execution.
var Empty = SumBytes(nil)
