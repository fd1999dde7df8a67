// Package protocol defines the transport-agnostic Connection and Message
// types shared by the HTTP and WebSocket protocol layers and the request
// dispatcher.
package protocol

import (
	"net"
	"sync"
	"time"
)

// Kind distinguishes request-scoped (HTTP) from session-scoped (WebSocket)
// connections.
type Kind int

const (
	KindHTTP Kind = iota
	KindWebSocket
)

// Connection is a live client transport. WebSocket connections live for
// many messages; HTTP connections live for exactly one request/response.
type Connection struct {
	Kind       Kind
	Remote     net.Addr
	CreatedAt  time.Time
	ID         string // unique per connection, used as the Event Hub subscription key

	mu         sync.Mutex
	alive      bool // WebSocket keep-alive liveness flag; unused for HTTP
	session    map[string]any
	closeOnce  sync.Once
	closeHooks []func()
}

// NewConnection builds a Connection in the live state.
func NewConnection(kind Kind, remote net.Addr, id string) *Connection {
	return &Connection{
		Kind:      kind,
		Remote:    remote,
		CreatedAt: time.Now(),
		ID:        id,
		alive:     true,
		session:   make(map[string]any),
	}
}

// OnClose registers a hook invoked exactly once when Close runs. The Event
// Hub uses this to remove a connection's subscriptions without holding a
// back-reference from the connection to the hub (see design note
// "Event Hub close-triggered unsubscription").
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHooks = append(c.closeHooks, fn)
}

// Close marks the connection dead and runs every registered close hook.
// Safe to call more than once; only the first call has effect.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		hooks := c.closeHooks
		c.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})
}

// Alive reports WebSocket keep-alive liveness. Always true for HTTP
// connections until Close runs.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Touch marks a pong/liveness signal received, used by the WebSocket
// keep-alive scanner.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
}

// MarkUnresponsive flags a connection that missed its keep-alive check.
func (c *Connection) MarkUnresponsive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

// Session returns the per-connection string->any map shared across every
// message on this connection (WebSocket) or this single request (HTTP).
func (c *Connection) Session() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Responder is how a Message replies to its caller; HTTP and WebSocket
// protocols each implement it differently.
type Responder interface {
	// Respond writes the final response for this message. status is the
	// HTTP-style status code (200/400/422/500/...); headers may be nil.
	Respond(status int, headers map[string]string, body any)
	// Push sends a server-initiated message unrelated to any open request.
	// HTTP responders always return an error.
	Push(pushType string, status int, data any) error
	// CanPush reports whether Push is meaningful on this transport.
	CanPush() bool
}

// Message is the in-flight unit dispatched to a verb handler (§3).
type Message struct {
	Connection *Connection
	Responder  Responder
	Version    string
	Verb       string
	Data       *Data
	Arrived    time.Time

	// ID correlates a WebSocket request to its response; empty for HTTP.
	ID string

	// StatusOverride, set by a handler, replaces the default success status.
	StatusOverride *int
	// HeaderOverrides, set by a handler, replace/extend default response headers.
	HeaderOverrides map[string]string
	// LatencyStart, when zeroed by a handler, suppresses automatic latency
	// recording (used for long-poll "wait" semantics, pushes, and metrics
	// export, per §7).
	LatencyStart time.Time
	// LogFlag mirrors the verb's registered log flag.
	LogFlag bool
}
