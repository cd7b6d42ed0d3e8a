// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry tracks live and recently-closed proxy connections,
// with process-wide and per-user accounting. It is the single source of
// truth the management API reads from.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Annihilater/net-relay/internal/clock"
)

// Protocol identifies which front-end accepted a connection.
type Protocol string

const (
	ProtocolSOCKS5 Protocol = "socks5"
	ProtocolHTTP   Protocol = "http"
)

// CloseReason classifies why a connection ended.
type CloseReason string

const (
	ReasonClientClosed   CloseReason = "client_closed"
	ReasonUpstreamClosed CloseReason = "upstream_closed"
	ReasonIdleTimeout    CloseReason = "idle"
	ReasonError          CloseReason = "error"
	ReasonShutdown       CloseReason = "shutdown"
)

// Connection is one proxied flow. Counters are accessed atomically so the
// byte-copy hot path never takes a lock.
type Connection struct {
	ID            string
	Protocol      Protocol
	ClientAddr    string
	Username      string // empty if unauthenticated
	TargetHost    string
	TargetPort    int
	ConnectedAt   time.Time
	closedAt      atomic.Pointer[time.Time]
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	closeReason   atomic.Pointer[CloseReason]
	closeOnce     sync.Once
}

// Snapshot is an immutable, JSON-friendly view of a Connection at one
// instant.
type Snapshot struct {
	ID              string      `json:"id"`
	Protocol        Protocol    `json:"protocol"`
	ClientAddr      string      `json:"client_addr"`
	Username        string      `json:"username,omitempty"`
	TargetHost      string      `json:"target_host"`
	TargetPort      int         `json:"target_port"`
	ConnectedAt     time.Time   `json:"connected_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
	BytesSent       uint64      `json:"bytes_sent"`
	BytesReceived   uint64      `json:"bytes_received"`
	CloseReason     CloseReason `json:"close_reason,omitempty"`
}

// Snapshot renders a consistent point-in-time view of the connection.
func (c *Connection) Snapshot() Snapshot {
	s := Snapshot{
		ID:            c.ID,
		Protocol:      c.Protocol,
		ClientAddr:    c.ClientAddr,
		Username:      c.Username,
		TargetHost:    c.TargetHost,
		TargetPort:    c.TargetPort,
		ConnectedAt:   c.ConnectedAt,
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
	}
	if t := c.closedAt.Load(); t != nil {
		s.ClosedAt = t
	}
	if r := c.closeReason.Load(); r != nil {
		s.CloseReason = *r
	}
	return s
}

// UserCounters aggregates activity for one authenticated username.
type UserCounters struct {
	Username          string
	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
}

// UserSnapshot is the JSON-friendly view of UserCounters.
type UserSnapshot struct {
	Username          string `json:"username"`
	TotalConnections  uint64 `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
}

func (u *UserCounters) snapshot() UserSnapshot {
	return UserSnapshot{
		Username:          u.Username,
		TotalConnections:  u.totalConnections.Load(),
		ActiveConnections: u.activeConnections.Load(),
		BytesSent:         u.bytesSent.Load(),
		BytesReceived:     u.bytesReceived.Load(),
	}
}

// Aggregated is the process-wide counters view.
type Aggregated struct {
	TotalConnections  uint64    `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	TotalBytesSent    uint64    `json:"total_bytes_sent"`
	TotalBytesRecv    uint64    `json:"total_bytes_received"`
	StartTime         time.Time `json:"start_time"`
	UptimeSecs        float64   `json:"uptime_secs"`
}

// DefaultHistoryCapacity is the default bound on the closed-connection ring.
const DefaultHistoryCapacity = 1000

// Registry tracks every live and recently-closed connection. All
// exported methods are safe for concurrent use. live/history are
// guarded by mu; per-connection and aggregate counters are atomics so
// AddSent/AddRecv never block on the hot byte-copy path.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]*Connection
	history []*Connection // ring buffer, oldest at index histHead
	histCap int
	histHead int
	histLen  int

	totalConnections atomic.Uint64
	totalBytesSent   atomic.Uint64
	totalBytesRecv   atomic.Uint64
	startTime        time.Time

	usersMu sync.RWMutex
	users   map[string]*UserCounters
}

// New creates a Registry with the given history capacity (0 uses the
// default of 1000). History is always capacity-bounded: it's a ring
// buffer, not an unbounded log.
func New(historyCapacity int) *Registry {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Registry{
		live:      make(map[string]*Connection),
		history:   make([]*Connection, historyCapacity),
		histCap:   historyCapacity,
		startTime: clock.Now(),
		users:     make(map[string]*UserCounters),
	}
}

// Register inserts a new live connection record with zero counters and
// returns it. Totals (process-wide and per-user) are incremented
// immediately.
func (r *Registry) Register(protocol Protocol, clientAddr, targetHost string, targetPort int, username string) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		ClientAddr:  clientAddr,
		Username:    username,
		TargetHost:  targetHost,
		TargetPort:  targetPort,
		ConnectedAt: clock.Now(),
	}

	r.mu.Lock()
	r.live[c.ID] = c
	r.mu.Unlock()

	r.totalConnections.Add(1)

	if username != "" {
		u := r.userCounters(username)
		u.totalConnections.Add(1)
		u.activeConnections.Add(1)
	}

	return c
}

func (r *Registry) userCounters(username string) *UserCounters {
	r.usersMu.RLock()
	u, ok := r.users[username]
	r.usersMu.RUnlock()
	if ok {
		return u
	}

	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if u, ok = r.users[username]; ok {
		return u
	}
	u = &UserCounters{Username: username}
	r.users[username] = u
	return u
}

// AddSent records n bytes copied client->target on the connection.
func (r *Registry) AddSent(c *Connection, n uint64) {
	if n == 0 {
		return
	}
	c.bytesSent.Add(n)
	r.totalBytesSent.Add(n)
	if c.Username != "" {
		r.userCounters(c.Username).bytesSent.Add(n)
	}
}

// AddRecv records n bytes copied target->client on the connection.
func (r *Registry) AddRecv(c *Connection, n uint64) {
	if n == 0 {
		return
	}
	c.bytesReceived.Add(n)
	r.totalBytesRecv.Add(n)
	if c.Username != "" {
		r.userCounters(c.Username).bytesReceived.Add(n)
	}
}

// Close stamps closed_at/reason, moves the connection from the live set
// into the bounded history ring, and decrements active accounting. A
// second call on the same Connection is a no-op.
func (r *Registry) Close(c *Connection, reason CloseReason) {
	c.closeOnce.Do(func() {
		now := clock.Now()
		c.closedAt.Store(&now)
		c.closeReason.Store(&reason)
	})

	r.mu.Lock()
	if _, ok := r.live[c.ID]; !ok {
		r.mu.Unlock()
		return // already closed and moved to history
	}
	delete(r.live, c.ID)
	r.pushHistoryLocked(c)
	r.mu.Unlock()

	if c.Username != "" {
		r.userCounters(c.Username).activeConnections.Add(-1)
	}
}

// pushHistoryLocked appends to the ring, evicting the oldest entry (FIFO)
// when at capacity. Caller must hold mu.
func (r *Registry) pushHistoryLocked(c *Connection) {
	idx := (r.histHead + r.histLen) % r.histCap
	r.history[idx] = c
	if r.histLen < r.histCap {
		r.histLen++
	} else {
		r.histHead = (r.histHead + 1) % r.histCap
	}
}

// SnapshotActive returns all currently live connections.
func (r *Registry) SnapshotActive() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.live))
	for _, c := range r.live {
		out = append(out, c.Snapshot())
	}
	return out
}

// SnapshotHistory returns up to limit closed connections, most recent
// first. limit<=0 returns the full history.
func (r *Registry) SnapshotHistory(limit int) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.histLen {
		limit = r.histLen
	}
	out := make([]Snapshot, 0, limit)
	// Most recent is at (histHead+histLen-1) % histCap; walk backwards.
	for i := 0; i < limit; i++ {
		idx := (r.histHead + r.histLen - 1 - i + r.histCap) % r.histCap
		if r.history[idx] != nil {
			out = append(out, r.history[idx].Snapshot())
		}
	}
	return out
}

// Aggregated returns process-wide totals, including derived uptime.
func (r *Registry) Aggregated() Aggregated {
	r.mu.RLock()
	active := len(r.live)
	r.mu.RUnlock()

	return Aggregated{
		TotalConnections:  r.totalConnections.Load(),
		ActiveConnections: active,
		TotalBytesSent:    r.totalBytesSent.Load(),
		TotalBytesRecv:    r.totalBytesRecv.Load(),
		StartTime:         r.startTime,
		UptimeSecs:        clock.Since(r.startTime).Seconds(),
	}
}

// PerUser returns a snapshot of every user's counters, keyed by username.
func (r *Registry) PerUser() map[string]UserSnapshot {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	out := make(map[string]UserSnapshot, len(r.users))
	for name, u := range r.users {
		out[name] = u.snapshot()
	}
	return out
}
