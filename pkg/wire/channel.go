// Package wire implements the length-prefixed duplex frame channel that
// carries validator<->child IPC (spec §4.1), and the tagged message types
// exchanged over it (spec §6).
package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// Channel is a duplex length-prefixed transport over a local stream
// connection. Each frame is a little-endian u64 payload length followed
// by the payload. A reader goroutine and a writer goroutine run
// independently over the split halves of conn; neither blocks the other.
//
// Send is safe to call from any number of goroutines. Recv/AwaitRecv are
// meant to be driven by a single consumer (the registry's poller, or the
// child's control task); calling them concurrently from multiple
// goroutines is safe but the caller must coordinate which message goes to
// which waiter, as spec §4.1 notes.
type Channel struct {
	conn net.Conn

	mu        sync.Mutex
	sendQueue [][]byte

	recvMu    sync.Mutex
	recvQueue [][]byte

	notifyMu sync.Mutex
	notifyCh chan struct{} // closed and replaced on every new arrival or shutdown

	closed   chan struct{}
	closeErr error
	once     sync.Once

	writeWake chan struct{}
}

// New wraps conn in a Channel and starts its reader/writer goroutines.
func New(conn net.Conn) *Channel {
	c := &Channel{
		conn:      conn,
		closed:    make(chan struct{}),
		notifyCh:  make(chan struct{}),
		writeWake: make(chan struct{}, 1),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send encodes payload and enqueues it for the writer goroutine. It never
// blocks on I/O.
func (c *Channel) Send(payload []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	framed := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(framed[:8], uint64(len(payload)))
	copy(framed[8:], payload)

	c.mu.Lock()
	c.sendQueue = append(c.sendQueue, framed)
	c.mu.Unlock()

	select {
	case c.writeWake <- struct{}{}:
	default:
	}
	return nil
}

// Recv dequeues one decoded payload if available. ok is false if the
// queue is currently empty (not necessarily end-of-stream).
func (c *Channel) Recv() (payload []byte, ok bool) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(c.recvQueue) == 0 {
		return nil, false
	}
	payload, c.recvQueue = c.recvQueue[0], c.recvQueue[1:]
	return payload, true
}

// AwaitRecv blocks until a payload is available or the channel shuts
// down, in which case ok is false.
func (c *Channel) AwaitRecv() (payload []byte, ok bool) {
	for {
		if p, ok := c.Recv(); ok {
			return p, true
		}
		c.notifyMu.Lock()
		ch := c.notifyCh
		c.notifyMu.Unlock()
		select {
		case <-ch:
		case <-c.closed:
			if p, ok := c.Recv(); ok {
				return p, true
			}
			return nil, false
		}
	}
}

// Shutdown idempotently stops the channel; readers/writers exit cleanly
// between frames, and pending AwaitRecv callers observe end-of-stream.
func (c *Channel) Shutdown() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Stopped reports whether the channel has shut down.
func (c *Channel) Stopped() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err returns the error that caused shutdown, if any.
func (c *Channel) Err() error { return c.closeErr }

func (c *Channel) notifyArrival() {
	c.notifyMu.Lock()
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	c.notifyMu.Unlock()
}

func (c *Channel) readLoop() {
	defer c.Shutdown()
	defer c.notifyArrival()
	lenBuf := make([]byte, 8)
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
			c.closeErr = err
			return
		}
		n := binary.LittleEndian.Uint64(lenBuf)
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				c.closeErr = err
				return
			}
		}
		c.recvMu.Lock()
		c.recvQueue = append(c.recvQueue, payload)
		c.recvMu.Unlock()
		c.notifyArrival()
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.writeWake:
		}
		for {
			c.mu.Lock()
			if len(c.sendQueue) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.sendQueue[0]
			c.mu.Unlock()

			if err := c.writeAll(next); err != nil {
				c.closeErr = err
				c.Shutdown()
				return
			}
			c.mu.Lock()
			c.sendQueue = c.sendQueue[1:]
			c.mu.Unlock()
		}
	}
}

func (c *Channel) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := c.conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
