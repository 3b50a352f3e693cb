// Package realtime fans project events out to live connections and runs the
// per-connection session protocol (hello, snapshot, replay, live stream).
package realtime

import (
	"sync"
)

// Conn is the send half of a live connection. The hub never depends on a
// specific transport; anything that can send bytes and close qualifies.
type Conn interface {
	Send(message []byte) error
	Close() error
}

// Hub is an in-memory registry of live connections per project. It is owned
// by the serving process and torn down with it; nothing here is persisted.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[Conn]struct{})}
}

// Subscribe registers a connection for a project's events.
func (h *Hub) Subscribe(projectID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[projectID]
	if !ok {
		set = make(map[Conn]struct{})
		h.subscribers[projectID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes a connection. It is idempotent: unsubscribing a
// connection that was never registered (or already removed) is a no-op.
func (h *Hub) Unsubscribe(projectID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[projectID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.subscribers, projectID)
	}
}

// Broadcast sends an already-serialized message to every connection
// subscribed to the project. Delivery is fire-and-forget: a connection whose
// send fails is treated as dead, unsubscribed and closed best-effort, so a
// slow or broken consumer can never block the others.
func (h *Hub) Broadcast(projectID string, message []byte) {
	h.mu.Lock()
	set, ok := h.subscribers[projectID]
	if !ok || len(set) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(message); err != nil {
			h.Unsubscribe(projectID, conn)
			_ = conn.Close()
		}
	}
}

// SubscriberCount reports how many connections are registered for a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[projectID])
}

// Shutdown closes every registered connection and empties the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.subscribers
	h.subscribers = make(map[string]map[Conn]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for conn := range set {
			_ = conn.Close()
		}
	}
}
