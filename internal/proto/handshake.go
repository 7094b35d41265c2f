package proto

import (
	"fmt"
)

// ErrHandshake is returned when a peer's Hello frame carries the wrong
// shared secret or an incompatible protocol version (spec §6: "mismatch
// causes immediate disconnect"; spec §9: "refuse incompatible peers").
type ErrHandshake struct {
	Reason string
}

func (e *ErrHandshake) Error() string { return "proto: handshake failed: " + e.Reason }

// CheckHello validates an incoming Hello frame against the version this
// build speaks and the expected shared secret (empty string disables
// the check).
func CheckHello(h *Hello, expectedSecret string) error {
	if h == nil {
		return &ErrHandshake{Reason: "missing Hello frame"}
	}
	if h.Version != ProtocolVersion {
		return &ErrHandshake{Reason: fmt.Sprintf("protocol version mismatch: peer=%d local=%d", h.Version, ProtocolVersion)}
	}
	if expectedSecret != "" && h.Secret != expectedSecret {
		return &ErrHandshake{Reason: "shared secret mismatch"}
	}
	return nil
}
