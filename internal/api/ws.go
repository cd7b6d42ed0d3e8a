// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Annihilater/net-relay/internal/registry"
)

// wsPushInterval bounds live-stats push frequency to at most once per
// second, regardless of how often the underlying registry state changes.
const wsPushInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHub pushes periodic stats snapshots to every connected
// /api/stats/ws client.
type wsHub struct {
	registry *registry.Registry

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newWSHub(reg *registry.Registry) *wsHub {
	return &wsHub{
		registry: reg,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *wsHub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Drain and discard client frames; this is a push-only feed. Exits
	// (and cleans up the client) once the peer disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// run pushes a stats snapshot to every connected client every
// wsPushInterval until ctx is cancelled.
func (h *wsHub) run(ctx context.Context) {
	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *wsHub) broadcast() {
	snapshot := map[string]any{
		"aggregated": h.registry.Aggregated(),
		"active":     h.registry.SnapshotActive(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
