package httpproto

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/protocol"
)

func newTestProtocol(t *testing.T) (*Protocol, *dispatch.Registry) {
	t.Helper()
	reg := dispatch.NewRegistry(nil)
	reg.For("v1").Register("time", func(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
		return map[string]any{"ok": true}, nil
	}, true)
	log := logging.New(logging.Config{Level: "error", Output: io.Discard})
	return New(Config{MaxPayloadSize: 1_000_000}, reg, log, nil), reg
}

func TestOptionsPreflight(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/time", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "POST, GET", rec.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownVerbReturns400WithKnownVerbs(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nosuch", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "Invalid type: nosuch, supported types:"))
}

func TestDispatchesKnownVerbAndReturnsJSON(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/time", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestMissingVersionSegmentReturns400(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := httptest.NewRequest(http.MethodGet, "/nosuchversion/time", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostBodyExceedingMaxPayloadReturns413(t *testing.T) {
	p, _ := newTestProtocol(t)
	// The limit must admit the 12-byte URL so the body check is reached.
	p.cfg.MaxPayloadSize = 16
	req := httptest.NewRequest(http.MethodPost, "/api/v1/time", strings.NewReader(`{"a":"0123456789abcdef"}`))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUnsupportedMethodReturns405(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/time", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
