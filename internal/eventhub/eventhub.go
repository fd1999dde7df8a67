// Package eventhub implements the typed pub/sub Event Hub (§4.2): named
// instances keyed by event type, each holding subtype -> ordered
// subscriber lists, with per-connection auto-unsubscribe on close.
package eventhub

import (
	"sort"
	"sync"

	"github.com/validana-io/vserver/internal/protocol"
)

// Callback receives emitted data for a (eventType, subtype) pair.
type Callback func(data any)

type subscriber struct {
	conn *protocol.Connection // nil for a "global" subscription
	cb   Callback
}

// Hub is one named event-type instance.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*subscriber // subtype -> ordered subscribers
}

func newHub() *Hub {
	return &Hub{subs: make(map[string][]*subscriber)}
}

// Subscribe appends cb to subtype's list. If conn is non-nil, the
// subscription is removed automatically when conn closes.
func (h *Hub) Subscribe(conn *protocol.Connection, subtype string, cb Callback) {
	h.mu.Lock()
	sub := &subscriber{conn: conn, cb: cb}
	h.subs[subtype] = append(h.subs[subtype], sub)
	h.mu.Unlock()

	if conn != nil {
		conn.OnClose(func() {
			h.removeConn(subtype, conn)
		})
	}
}

// Unsubscribe removes every entry under subtype belonging to conn (or
// every global entry, conn==nil). When the subtype's list empties, the
// subtype key itself is removed.
func (h *Hub) Unsubscribe(conn *protocol.Connection, subtype string) {
	h.removeConn(subtype, conn)
}

func (h *Hub) removeConn(subtype string, conn *protocol.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list, ok := h.subs[subtype]
	if !ok {
		return
	}
	kept := list[:0:0]
	for _, s := range list {
		if s.conn == conn {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(h.subs, subtype)
		return
	}
	h.subs[subtype] = kept
}

// Emit invokes every callback registered for subtype, in registration
// order, synchronously. A panicking callback does not stop later ones.
func (h *Hub) Emit(subtype string, data any) {
	h.mu.Lock()
	list := append([]*subscriber(nil), h.subs[subtype]...)
	h.mu.Unlock()

	for _, s := range list {
		if s.conn != nil && !s.conn.Alive() {
			continue
		}
		invokeSafely(s.cb, data)
	}
}

func invokeSafely(cb Callback, data any) {
	defer func() { _ = recover() }()
	cb(data)
}

// HasSubscribers reports whether subtype has any subscriber.
func (h *Hub) HasSubscribers(subtype string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subtype]) > 0
}

// SubscribersCount returns the number of subscribers for subtype.
func (h *Hub) SubscribersCount(subtype string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subtype])
}

// SubtypeCount returns the number of distinct subtypes with subscribers.
func (h *Hub) SubtypeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subtypes returns a sorted snapshot of every subtype with subscribers.
func (h *Hub) Subtypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for k := range h.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry is the process-wide collection of named Hub instances, one
// per event type.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry creates an empty event-type registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// For returns the Hub for eventType, creating it on first use.
func (r *Registry) For(eventType string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[eventType]
	if !ok {
		h = newHub()
		r.hubs[eventType] = h
	}
	return h
}
