// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package relay implements the bidirectional byte-copy loop between a
// proxy client and its upstream: two concurrent half-duplex copies,
// counters fed into the connection registry on every chunk, a one-way
// shutdown of the destination on EOF, and an idle timeout that tears
// down both sides when neither direction makes progress.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Annihilater/net-relay/internal/registry"
)

// DefaultIdleTimeout is how long a connection may sit with no bytes
// flowing in either direction before it is torn down.
const DefaultIdleTimeout = 300 * time.Second

// bufferSize is the fixed chunk size each direction copies in.
const bufferSize = 16 * 1024

// halfCloser is satisfied by *net.TCPConn and anything else exposing a
// one-way shutdown. A destination without it gets no half-close and stays
// open until Copy closes both sides.
type halfCloser interface {
	CloseWrite() error
}

// Copy runs the relay until both directions finish, returning the reason
// the connection ended. client and upstream are both closed before Copy
// returns. idleTimeout<=0 uses DefaultIdleTimeout.
func Copy(ctx context.Context, reg *registry.Registry, conn *registry.Connection, client, upstream net.Conn, idleTimeout time.Duration) registry.CloseReason {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := make(chan struct{}, 2)
	var once sync.Once
	var reason registry.CloseReason
	setReason := func(r registry.CloseReason) {
		once.Do(func() { reason = r })
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// client -> upstream: this is the "sent" direction.
		r := copyDirection(upstream, client, progress, func(n uint64) { reg.AddSent(conn, n) }, registry.ReasonClientClosed)
		setReason(r)
		cancel()
	}()
	go func() {
		defer wg.Done()
		// upstream -> client: this is the "received" direction.
		r := copyDirection(client, upstream, progress, func(n uint64) { reg.AddRecv(conn, n) }, registry.ReasonUpstreamClosed)
		setReason(r)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

waitLoop:
	for {
		select {
		case <-done:
			break waitLoop
		case <-progress:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			setReason(registry.ReasonIdleTimeout)
			_ = client.Close()
			_ = upstream.Close()
			<-done
			break waitLoop
		case <-ctx.Done():
			// One direction finished or errored; give the other a moment to
			// drain, then force-close if it hasn't.
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				_ = client.Close()
				_ = upstream.Close()
				<-done
			}
			break waitLoop
		}
	}

	_ = client.Close()
	_ = upstream.Close()

	if reason == "" {
		reason = registry.ReasonClientClosed
	}
	return reason
}

// copyDirection copies src->dst in fixed chunks, reporting each
// successfully-written chunk's size via record, and signalling progress
// so the idle watchdog resets. It never holds a lock across I/O — record
// is expected to be lock-free (registry counters are atomics).
func copyDirection(dst io.Writer, src io.Reader, progress chan<- struct{}, record func(uint64), eofReason registry.CloseReason) registry.CloseReason {
	buf := make([]byte, bufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			if written > 0 {
				record(uint64(written))
				select {
				case progress <- struct{}{}:
				default:
				}
			}
			if writeErr != nil {
				shutdownWrite(dst)
				return registry.ReasonError
			}
		}
		if readErr != nil {
			shutdownWrite(dst)
			if errors.Is(readErr, io.EOF) {
				return eofReason
			}
			return registry.ReasonError
		}
	}
}

// shutdownWrite performs a one-way shutdown on dst's write side when the
// source side has returned EOF or errored, so the peer observes EOF
// promptly instead of waiting on a read that will never complete.
func shutdownWrite(dst io.Writer) {
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
