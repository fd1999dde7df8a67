package wsproto

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/validana-io/vserver/internal/protocol"
)

// wsConn pairs a live gorilla/websocket.Conn with the transport-agnostic
// protocol.Connection and the keep-alive state the scanner needs.
type wsConn struct {
	ws        *websocket.Conn
	protoConn *protocol.Connection
	version   string

	writeMu sync.Mutex

	pongMu       sync.Mutex
	awaitingPong bool
}

func newWSConn(ws *websocket.Conn, version string) *wsConn {
	return &wsConn{
		ws:        ws,
		protoConn: protocol.NewConnection(protocol.KindWebSocket, ws.RemoteAddr(), uuid.NewString()),
		version:   version,
	}
}

// frame is the wire shape for both replies ({id,status,data|error}) and
// pushes ({pushType,data,status}); omitempty keeps each use site lean.
type frame struct {
	ID       string `json:"id,omitempty"`
	Status   int    `json:"status,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	PushType string `json:"pushType,omitempty"`
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) writeData(id string, status int, data any) {
	_ = c.writeJSON(frame{ID: id, Status: status, Data: data})
}

func (c *wsConn) writeError(id string, status int, message string) {
	_ = c.writeJSON(frame{ID: id, Status: status, Error: message})
}

func (c *wsConn) writePush(pushType string, status int, data any) error {
	return c.writeJSON(frame{PushType: pushType, Status: status, Data: data})
}

func (c *wsConn) ping() {
	c.pongMu.Lock()
	c.awaitingPong = true
	c.pongMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) clearAwaitingPong() {
	c.pongMu.Lock()
	c.awaitingPong = false
	c.pongMu.Unlock()
}

func (c *wsConn) wasAwaitingPong() bool {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	return c.awaitingPong
}

func (c *wsConn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.protoConn.Close()
}

// responder implements protocol.Responder for a single WebSocket
// connection, correlating replies to their originating frame by id and
// supporting server-initiated pushes.
type responder struct {
	conn *wsConn
	id   string
}

func (r *responder) Respond(status int, _ map[string]string, body any) {
	r.writeData(status, body)
}

func (r *responder) writeData(status int, body any) {
	r.conn.writeData(r.id, status, body)
}

func (r *responder) writeError(status int, message string) {
	r.conn.writeError(r.id, status, message)
}

func (r *responder) Push(pushType string, status int, data any) error {
	return r.conn.writePush(pushType, status, data)
}

func (r *responder) CanPush() bool { return true }
