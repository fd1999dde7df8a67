// Package wsproto implements the WebSocket Protocol (§4.6): connection
// upgrade, amortised keep-alive scanning, JSON request/response/push
// framing, and dispatch through the shared Request Dispatcher.
package wsproto

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/validana-io/vserver/internal/apierr"
	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/protocol"
)

const (
	invalidVersionCloseCode = 4100
	goingAwayCloseCode      = websocket.CloseGoingAway // 1001
	closeGrace              = 5 * time.Second
)

// Metrics is the subset of the Metrics Aggregator the WebSocket
// protocol reports to.
type Metrics interface {
	RecordRequest(ws bool, status int, latency time.Duration)
	RecordConnectionLifetime(d time.Duration)
}

// Config controls keep-alive cadence.
type Config struct {
	KeepAlive time.Duration // 0 disables keep-alive scanning
}

// Protocol upgrades and serves WebSocket connections on the shared
// listening server.
type Protocol struct {
	cfg      Config
	registry *dispatch.Registry
	log      *logging.Logger
	metrics  Metrics
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*wsConn]struct{}
	permanent bool
}

// New builds a WebSocket protocol instance dispatching through registry.
func New(cfg Config, registry *dispatch.Registry, log *logging.Logger, metrics Metrics) *Protocol {
	return &Protocol{
		cfg:      cfg,
		registry: registry,
		log:      log,
		metrics:  metrics,
		conns:    make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler that performs the upgrade; mount it
// at the WebSocket listening server's path.
func (p *Protocol) Handler() http.Handler {
	return http.HandlerFunc(p.serveHTTP)
}

func (p *Protocol) serveHTTP(w http.ResponseWriter, r *http.Request) {
	version, ok := versionFromPath(p.registry, r.URL.Path)
	if !ok {
		ws, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(invalidVersionCloseCode, "unknown API version"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithError(err).Msg("wsproto: upgrade failed")
		return
	}

	conn := newWSConn(ws, version)
	p.register(conn)
	defer p.unregister(conn)

	conn.protoConn.OnClose(func() {
		ws.Close()
	})
	ws.SetPongHandler(func(string) error {
		conn.clearAwaitingPong()
		conn.protoConn.Touch()
		return nil
	})

	start := time.Now()
	p.readLoop(r.Context(), conn)
	conn.protoConn.Close()
	if p.metrics != nil {
		p.metrics.RecordConnectionLifetime(time.Since(start))
	}
}

func (p *Protocol) register(c *wsConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c] = struct{}{}
}

func (p *Protocol) unregister(c *wsConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

func (p *Protocol) readLoop(ctx context.Context, c *wsConn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.WithError(err).Msg("wsproto: socket error")
			}
			return
		}
		frame := raw
		go p.handleFrame(ctx, c, frame)
	}
}

func (p *Protocol) handleFrame(ctx context.Context, c *wsConn, raw []byte) {
	arrived := time.Now()
	id := gjson.GetBytes(raw, "id")
	typ := gjson.GetBytes(raw, "type")
	if !id.Exists() || id.Type != gjson.String || !typ.Exists() || typ.String() == "" {
		c.writeError("", 400, "Bad Request: missing id or type")
		return
	}

	verb := strings.ToLower(typ.String())
	dataField := gjson.GetBytes(raw, "data")
	var data *protocol.Data
	if dataField.Exists() {
		data = protocol.ParseBody(dataField.Raw)
	} else {
		data = protocol.ParseBody("")
	}

	resp := &responder{conn: c, id: id.String()}
	msg := &protocol.Message{
		Connection:   c.protoConn,
		Responder:    resp,
		Version:      c.version,
		Verb:         verb,
		Data:         data,
		Arrived:      arrived,
		ID:           id.String(),
		LatencyStart: arrived,
	}

	result, err := p.registry.Receive(ctx, c.version, verb, data, msg)
	status := writeDispatchResult(resp, msg, result, err, p.log)

	if !msg.LatencyStart.IsZero() && p.metrics != nil {
		p.metrics.RecordRequest(true, status, time.Since(msg.LatencyStart))
	}
}

func writeDispatchResult(resp *responder, msg *protocol.Message, result any, err error, log *logging.Logger) int {
	if err == nil {
		status := http.StatusOK
		if msg.StatusOverride != nil {
			status = *msg.StatusOverride
		}
		resp.writeData(status, result)
		return status
	}
	if uv, ok := err.(*dispatch.UnknownVerbError); ok {
		resp.writeError(http.StatusBadRequest, uv.Error())
		return http.StatusBadRequest
	}
	if ce, ok := apierr.AsClientError(err); ok {
		resp.writeError(ce.Status, ce.Message)
		return ce.Status
	}
	log.WithError(err).Msg("wsproto: internal error handling frame")
	resp.writeError(http.StatusInternalServerError, "Error occurred during request.")
	return http.StatusInternalServerError
}

// versionFromPath requires the decoded, lower-cased URL path to
// contain a registered API version segment (§4.6).
func versionFromPath(registry *dispatch.Registry, path string) (string, bool) {
	lower := strings.ToLower(path)
	for _, seg := range strings.Split(lower, "/") {
		if seg == "" {
			continue
		}
		if registry.HasVersion(seg) {
			return seg, true
		}
	}
	return "", false
}

// RunKeepAlive amortises ping/pong liveness checks across the
// configured keep-alive interval: every second it checks
// ceil(1/remaining * |to_check|) connections, refreshing the to-check
// set every keep-alive period.
func (p *Protocol) RunKeepAlive(ctx context.Context) {
	if p.cfg.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var toCheck []*wsConn
	remaining := p.cfg.KeepAlive
	refresh := func() {
		p.mu.Lock()
		toCheck = make([]*wsConn, 0, len(p.conns))
		for c := range p.conns {
			toCheck = append(toCheck, c)
		}
		p.mu.Unlock()
		remaining = p.cfg.KeepAlive
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if remaining <= 0 || len(toCheck) == 0 {
				refresh()
				continue
			}
			n := int(math.Ceil(1 / remaining.Seconds() * float64(len(toCheck))))
			if n > len(toCheck) {
				n = len(toCheck)
			}
			batch := toCheck[:n]
			toCheck = toCheck[n:]
			remaining -= time.Second
			for _, c := range batch {
				p.checkLiveness(c)
			}
		}
	}
}

func (p *Protocol) checkLiveness(c *wsConn) {
	if c.wasAwaitingPong() {
		c.closeWithCode(goingAwayCloseCode, "keep-alive timeout")
		return
	}
	c.ping()
}

// Shutdown closes every open connection with code 1001. If graceful is
// false, underlying sockets are hard-destroyed closeGrace after the
// close frame is sent.
func (p *Protocol) Shutdown(graceful bool) {
	p.mu.Lock()
	p.permanent = true
	conns := make([]*wsConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(goingAwayCloseCode, "server shutting down")
	}
	if graceful {
		return
	}
	go func() {
		time.Sleep(closeGrace)
		for _, c := range conns {
			c.ws.Close()
		}
	}()
}
