// Package errdefs defines the error taxonomy of spec §7: transport,
// storage, sandbox, DAG-validation, and protocol-violation errors, each
// resolvable to a containerd/errdefs category so that gRPC status codes
// and client-visible Error messages can be derived mechanically.
//
// This mirrors the teacher's own errdefs package, which wraps
// github.com/containerd/errdefs rather than re-implementing its
// predicates.
package errdefs

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// NotFound wraps err as a "not found" condition (missing blob, missing
// cache entry, missing file uuid).
func NotFound(err error) error { return fmt.Errorf("%w: %w", cerrdefs.ErrNotFound, err) }

// InvalidArgument wraps err as a DAG-validation failure (dangling
// FileUuid, cyclic dependency, malformed frame).
func InvalidArgument(err error) error { return fmt.Errorf("%w: %w", cerrdefs.ErrInvalidArgument, err) }

// Unavailable wraps err as a transport condition (channel closed,
// worker disconnected, event loop not running).
func Unavailable(err error) error { return fmt.Errorf("%w: %w", cerrdefs.ErrUnavailable, err) }

// Canceled wraps err as a session cancellation (client Stop, context
// cancellation).
func Canceled(err error) error { return fmt.Errorf("%w: %w", cerrdefs.ErrCanceled, err) }

// Internal wraps err as an internal/sandbox failure, matching
// ExecutionResult{Status: InternalError}. Internal errors are never
// cacheable (spec §4.2 Cacheable).
func Internal(err error) error { return fmt.Errorf("%w: %w", cerrdefs.ErrInternal, err) }

// FailedPrecondition wraps err as a protocol violation (e.g. WorkerDone
// with no active job) — fatal for the offending worker, not the server.
func FailedPrecondition(err error) error {
	return fmt.Errorf("%w: %w", cerrdefs.ErrFailedPrecondition, err)
}

var (
	IsNotFound           = cerrdefs.IsNotFound
	IsInvalidArgument    = cerrdefs.IsInvalidArgument
	IsUnavailable        = cerrdefs.IsUnavailable
	IsCanceled           = cerrdefs.IsCanceled
	IsInternal           = cerrdefs.IsInternal
	IsFailedPrecondition = cerrdefs.IsFailedPrecondition
)

// Errorf is a convenience constructor combining fmt.Errorf with one of the
// category wrappers above, used throughout the core for one-line error
// sites.
func Errorf(wrap func(error) error, format string, args ...any) error {
	return wrap(fmt.Errorf(format, args...))
}
