// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annihilater/net-relay/internal/registry"
)

func TestCopy_ClientClosesFirst(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()

	reg := registry.New(10)
	conn := reg.Register(registry.ProtocolSOCKS5, "10.0.0.1:1", "example.com", 443, "")

	done := make(chan registry.CloseReason, 1)
	go func() {
		done <- Copy(context.Background(), reg, conn, clientB, upstreamB, 0)
	}()

	go func() {
		buf := make([]byte, 16)
		_, _ = upstreamA.Read(buf)
		_, _ = upstreamA.Write([]byte("pong"))
	}()

	_, err := clientA.Write([]byte("ping"))
	require.NoError(t, err)

	reply := make([]byte, 16)
	n, err := clientA.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply[:n]))

	require.NoError(t, clientA.Close())

	// net.Pipe has no half-close, so the upstream->client direction only
	// ends when Copy force-closes both sides after its 2-second drain grace.
	select {
	case reason := <-done:
		assert.Equal(t, registry.ReasonClientClosed, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("Copy did not return after client close")
	}

	snap := conn.Snapshot()
	assert.Equal(t, uint64(4), snap.BytesSent)
	assert.Equal(t, uint64(4), snap.BytesReceived)
}

func TestCopy_UpstreamClosesFirst(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()

	reg := registry.New(10)
	conn := reg.Register(registry.ProtocolHTTP, "10.0.0.1:1", "example.com", 80, "")

	done := make(chan registry.CloseReason, 1)
	go func() {
		done <- Copy(context.Background(), reg, conn, clientB, upstreamB, 0)
	}()

	require.NoError(t, upstreamA.Close())
	require.NoError(t, clientA.Close())

	select {
	case reason := <-done:
		assert.Equal(t, registry.ReasonUpstreamClosed, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after upstream close")
	}
}

func TestCopy_IdleTimeout(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()
	defer clientA.Close()
	defer upstreamA.Close()

	reg := registry.New(10)
	conn := reg.Register(registry.ProtocolSOCKS5, "10.0.0.1:1", "example.com", 443, "")

	done := make(chan registry.CloseReason, 1)
	go func() {
		done <- Copy(context.Background(), reg, conn, clientB, upstreamB, 50*time.Millisecond)
	}()

	select {
	case reason := <-done:
		assert.Equal(t, registry.ReasonIdleTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after idle timeout")
	}
}
