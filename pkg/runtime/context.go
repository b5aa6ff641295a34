package runtime

import (
	"sync"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// Context is one live invocation frame: its correlation nonce, CPI depth,
// and the blob it owns. Contexts form a stack; the top frame is the one
// syscalls consult (spec §3 "Execution Context").
type Context struct {
	Nonce    uint64
	CPIDepth uint8
	Blob     *sealevel.Blob
}

// contextStack is push-on-Invoke, pop-on-Executed. Because only one
// invocation is ever actively running entrypoint code at a time per child
// connection (every other frame is parked waiting on a CPI reply), the
// top of the stack always identifies the currently active frame even
// across self-recursive CPI — see spec §9 "Context stack vs.
// re-entrancy".
type contextStack struct {
	mu     sync.Mutex
	frames []*Context
}

func (s *contextStack) push(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, c)
}

func (s *contextStack) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// top returns the active frame. It panics if called outside an
// invocation, matching the Rust original's "not be empty during program
// execution" expectation: every syscall path only ever runs while at
// least one context is pushed.
func (s *contextStack) top() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		panic("runtime: syscall invoked with no active execution context")
	}
	return s.frames[len(s.frames)-1]
}
