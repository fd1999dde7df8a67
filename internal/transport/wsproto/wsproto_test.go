package wsproto

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/protocol"
)

func newTestServer(t *testing.T) (*Protocol, *httptest.Server) {
	t.Helper()
	reg := dispatch.NewRegistry(nil)
	reg.For("v1").Register("echo", func(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
		return map[string]any{"you_said": data.String("text")}, nil
	}, true)

	log := logging.New(logging.Config{Level: "error", Output: io.Discard})
	p := New(Config{KeepAlive: 0}, reg, log, nil)
	srv := httptest.NewServer(p.Handler())
	return p, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestUnknownVersionClosesWith4100(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	ws := dial(t, srv, "/api/nosuchversion")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, invalidVersionCloseCode, closeErr.Code)
}

func TestDispatchesFrameAndCorrelatesByID(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	ws := dial(t, srv, "/api/v1")
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"id":   "req-1",
		"type": "echo",
		"data": map[string]any{"text": "hello"},
	}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var reply frame
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "req-1", reply.ID)
	require.Equal(t, 200, reply.Status)
}

func TestUnknownVerbRepliesWith400(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	ws := dial(t, srv, "/api/v1")
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"id": "req-2", "type": "nosuch"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var reply frame
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "req-2", reply.ID)
	require.Equal(t, 400, reply.Status)
	require.True(t, strings.HasPrefix(reply.Error, "Invalid type: nosuch"))
}

func TestMissingIDRepliesWith400(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	ws := dial(t, srv, "/api/v1")
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "echo"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var reply frame
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, 400, reply.Status)
}

func TestPushWritesFrameWithoutID(t *testing.T) {
	p, srv := newTestServer(t)
	defer srv.Close()

	ws := dial(t, srv, "/api/v1")
	defer ws.Close()

	var target *wsConn
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for c := range p.conns {
			target = c
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, target.writePush("notice", 0, map[string]any{"n": 1}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var reply frame
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "notice", reply.PushType)
	require.Equal(t, "", reply.ID)
}
