package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelFIFO(t *testing.T) {
	a, b := net.Pipe()
	ca := New(a)
	cb := New(b)
	defer ca.Shutdown()
	defer cb.Shutdown()

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		require.NoError(t, ca.Send(m))
	}

	for _, want := range msgs {
		got := mustRecv(t, cb)
		require.Equal(t, want, got)
	}
}

func TestChannelShutdownUnblocksAwait(t *testing.T) {
	a, b := net.Pipe()
	ca := New(a)
	cb := New(b)
	defer cb.Shutdown()

	done := make(chan struct{})
	go func() {
		_, ok := cb.AwaitRecv()
		require.False(t, ok)
		close(done)
	}()

	ca.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitRecv did not unblock after shutdown")
	}
}

func mustRecv(t *testing.T, c *Channel) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if p, ok := c.Recv(); ok {
			return p
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		case <-time.After(time.Millisecond):
		}
	}
}
