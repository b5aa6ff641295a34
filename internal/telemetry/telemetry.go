// Package telemetry is an optional, purely additive local log-tailing
// stream: every log line the Program Caller produces is broadcast over
// QUIC to anyone connected, so a developer can `tail` a running
// emulator's program output without touching the core IPC protocol.
package telemetry

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// Broadcaster fans log lines out to every connected telemetry client.
type Broadcaster struct {
	logger *zap.Logger

	mu      sync.Mutex
	streams []quic.Stream
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger}
}

// Publish writes line to every currently-connected client, dropping any
// stream that errors (the client disconnected).
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.streams[:0]
	for _, s := range b.streams {
		if _, err := fmt.Fprintln(s, line); err != nil {
			s.Close()
			continue
		}
		live = append(live, s)
	}
	b.streams = live
}

// Serve accepts telemetry subscribers on addr until ctx is cancelled.
func (b *Broadcaster) Serve(ctx context.Context, addr string) error {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return fmt.Errorf("telemetry: tls config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("telemetry: listen: %w", err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				b.logger.Warn("telemetry: accept failed", zap.Error(err))
				continue
			}
		}
		go b.acceptStream(ctx, conn)
	}
}

func (b *Broadcaster) acceptStream(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.streams = append(b.streams, stream)
	b.mu.Unlock()
}

// selfSignedTLSConfig builds an in-memory cert good enough for a
// localhost-only debugging stream; this is not meant to cross a trust
// boundary.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"sealevel-telemetry"},
	}, nil
}
