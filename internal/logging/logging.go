// Package logging adapts github.com/containerd/log's context-scoped
// logger to the component/session/worker fields this engine attaches
// throughout the scheduler, file store, and protocol layers.
package logging

import (
	"context"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// WithComponent returns a context carrying a logger tagged with the given
// component name (e.g. "filestore", "scheduler", "worker"), the way the
// teacher tags subsystem loggers across the daemon.
func WithComponent(ctx context.Context, component string) context.Context {
	return log.WithLogger(ctx, log.G(ctx).WithField("component", component))
}

// WithFields attaches arbitrary structured fields to the context logger.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return log.WithLogger(ctx, log.G(ctx).WithFields(fields))
}

// G returns the context-scoped logger, matching the teacher's log.G(ctx)
// call sites verbatim.
func G(ctx context.Context) *logrus.Entry {
	return log.G(ctx)
}

// SetLevel configures the package-wide log level (debug/info/warn/error).
func SetLevel(level string) error {
	return log.SetLevel(level)
}
