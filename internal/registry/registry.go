// Package registry accepts incoming child-process connections and maps
// each one to the program id it announces in its handshake frame
// (spec §4.2, grounded on program_caller.rs's listener task and
// IPCComm::new_with_identifier in the original runtime).
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/wire"
)

// OnRegister is invoked once per successful handshake, with the
// newly-registered channel. Callers use it to start pumping that
// channel's frames (the Program Caller's job, not the registry's).
type OnRegister func(programID sealevel.PublicKey, ch *wire.Channel)

// Registry is the validator-side map of program id -> child channel.
type Registry struct {
	mu       sync.RWMutex
	channels map[sealevel.PublicKey]*wire.Channel
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		channels: make(map[sealevel.PublicKey]*wire.Channel),
		logger:   logger,
	}
}

// Serve accepts connections on ln until ctx is cancelled, performing the
// handshake on each and registering the result. A program id that
// reconnects replaces its previous channel; the old one is shut down.
func (r *Registry) Serve(ctx context.Context, ln net.Listener, onRegister OnRegister) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("registry: accept: %w", err)
			}
		}
		go r.handshake(conn, onRegister)
	}
}

func (r *Registry) handshake(conn net.Conn, onRegister OnRegister) {
	ch := wire.New(conn)
	payload, ok := ch.AwaitRecv()
	if !ok {
		r.logger.Warn("registry: connection closed before handshake", zap.Error(ch.Err()))
		return
	}
	programID, err := wire.DecodeHandshake(payload)
	if err != nil {
		r.logger.Warn("registry: malformed handshake", zap.Error(err))
		ch.Shutdown()
		return
	}

	r.mu.Lock()
	if old, exists := r.channels[programID]; exists {
		old.Shutdown()
	}
	r.channels[programID] = ch
	r.mu.Unlock()

	r.logger.Info("registered debuggable program", zap.Stringer("program_id", programID))
	if onRegister != nil {
		onRegister(programID, ch)
	}
}

// Lookup returns the channel registered for programID, if any.
func (r *Registry) Lookup(programID sealevel.PublicKey) (*wire.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[programID]
	return ch, ok
}

// Has reports whether programID has a registered channel.
func (r *Registry) Has(programID sealevel.PublicKey) bool {
	_, ok := r.Lookup(programID)
	return ok
}

// Shutdown tears down every registered channel.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.Shutdown()
	}
}
