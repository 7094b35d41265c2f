package netutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeListenerRoundTrip(t *testing.T) {
	lis := NewPipeListener("test")
	defer lis.Close()

	accepted := make(chan string, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			acceptErr <- err
			return
		}
		accepted <- string(buf)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := lis.Dial(ctx)
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-accepted:
		require.Equal(t, "hello", got)
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestPipeListenerDialAfterCloseFails(t *testing.T) {
	lis := NewPipeListener("test")
	require.NoError(t, lis.Close())

	_, err := lis.Dial(context.Background())
	require.Error(t, err)
}

func TestPipeListenerDialRespectsContextCancellation(t *testing.T) {
	lis := NewPipeListener("test")
	defer lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lis.Dial(ctx)
	require.Error(t, err)
}
