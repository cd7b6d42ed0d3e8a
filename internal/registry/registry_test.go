// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndClose(t *testing.T) {
	r := New(10)
	c := r.Register(ProtocolSOCKS5, "10.0.0.1:1234", "example.com", 443, "alice")
	require.Len(t, r.SnapshotActive(), 1)

	r.AddSent(c, 100)
	r.AddRecv(c, 200)
	r.Close(c, ReasonClientClosed)

	assert.Empty(t, r.SnapshotActive())
	history := r.SnapshotHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(100), history[0].BytesSent)
	assert.Equal(t, uint64(200), history[0].BytesReceived)
	assert.Equal(t, ReasonClientClosed, history[0].CloseReason)
	assert.NotNil(t, history[0].ClosedAt)
}

func TestClose_Idempotent(t *testing.T) {
	r := New(10)
	c := r.Register(ProtocolHTTP, "10.0.0.1:1", "example.com", 80, "")
	r.Close(c, ReasonClientClosed)
	r.Close(c, ReasonError)

	history := r.SnapshotHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonClientClosed, history[0].CloseReason)
}

func TestHistory_RingEvictsOldest(t *testing.T) {
	r := New(2)
	for i := 0; i < 3; i++ {
		c := r.Register(ProtocolSOCKS5, "10.0.0.1:1", "example.com", 80, "")
		r.Close(c, ReasonClientClosed)
	}
	history := r.SnapshotHistory(0)
	require.Len(t, history, 2)
}

func TestHistory_MostRecentFirst(t *testing.T) {
	r := New(10)
	first := r.Register(ProtocolSOCKS5, "a", "first.com", 80, "")
	r.Close(first, ReasonClientClosed)
	second := r.Register(ProtocolSOCKS5, "a", "second.com", 80, "")
	r.Close(second, ReasonClientClosed)

	history := r.SnapshotHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "second.com", history[0].TargetHost)
	assert.Equal(t, "first.com", history[1].TargetHost)
}

func TestAggregated(t *testing.T) {
	r := New(10)
	c1 := r.Register(ProtocolSOCKS5, "a", "x.com", 80, "")
	r.AddSent(c1, 10)
	c2 := r.Register(ProtocolHTTP, "b", "y.com", 80, "")
	r.AddRecv(c2, 20)
	r.Close(c1, ReasonClientClosed)

	agg := r.Aggregated()
	assert.Equal(t, uint64(2), agg.TotalConnections)
	assert.Equal(t, 1, agg.ActiveConnections)
	assert.Equal(t, uint64(10), agg.TotalBytesSent)
	assert.Equal(t, uint64(20), agg.TotalBytesRecv)
}

func TestPerUser(t *testing.T) {
	r := New(10)
	c := r.Register(ProtocolSOCKS5, "a", "x.com", 80, "alice")
	r.AddSent(c, 5)
	r.AddRecv(c, 7)

	perUser := r.PerUser()
	require.Contains(t, perUser, "alice")
	assert.Equal(t, uint64(1), perUser["alice"].TotalConnections)
	assert.Equal(t, int64(1), perUser["alice"].ActiveConnections)
	assert.Equal(t, uint64(5), perUser["alice"].BytesSent)
	assert.Equal(t, uint64(7), perUser["alice"].BytesReceived)

	r.Close(c, ReasonClientClosed)
	perUser = r.PerUser()
	assert.Equal(t, int64(0), perUser["alice"].ActiveConnections)
}

func TestNew_DefaultsHistoryCapacity(t *testing.T) {
	r := New(0)
	assert.Equal(t, DefaultHistoryCapacity, r.histCap)
}
