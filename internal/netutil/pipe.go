// Package netutil provides an in-memory net.Listener so the same
// grpc.Server/grpc.Dial code path can serve both the TCP transport and
// the in-process transport of spec §4.5, without porting a full
// ClientConnInterface implementation.
package netutil

import (
	"context"
	"errors"
	"net"
	"sync"
)

// pipeAddr is the net.Addr reported by both ends of an in-process
// connection.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeListener is a net.Listener whose Accept is fed by Dial calls on the
// same PipeListener, backed by net.Pipe() so no sockets or file
// descriptors are involved.
type PipeListener struct {
	name string

	mu     sync.Mutex
	closed bool
	conns  chan net.Conn
	done   chan struct{}
}

// NewPipeListener creates a listener identified by name (used only for
// Addr().String(), for log messages).
func NewPipeListener(name string) *PipeListener {
	return &PipeListener{
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// Accept implements net.Listener.
func (l *PipeListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener. Idempotent.
func (l *PipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}

// Addr implements net.Listener.
func (l *PipeListener) Addr() net.Addr { return pipeAddr(l.name) }

// Dial creates a new in-process connection pair, handing one end to a
// pending or future Accept call and returning the other end to the
// caller, honoring ctx for cancellation while the listener has no
// pending Accept.
func (l *PipeListener) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		client.Close()
		server.Close()
		return nil, errors.New("netutil: listener closed")
	}
	l.mu.Unlock()

	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, errors.New("netutil: listener closed")
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// DialContext matches the grpc.WithContextDialer signature, so a
// PipeListener can be passed straight to grpc.Dial.
func (l *PipeListener) DialContext(ctx context.Context, _ string) (net.Conn, error) {
	return l.Dial(ctx)
}
