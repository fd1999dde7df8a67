// Package httpproto implements the HTTP Protocol (§4.5): REST request
// parsing, CORS preflight, dispatch through the shared Request
// Dispatcher, and response shaping.
package httpproto

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/validana-io/vserver/internal/apierr"
	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/protocol"
)

// Metrics is the subset of the Metrics Aggregator the HTTP protocol
// reports latency and outcome counters to.
type Metrics interface {
	RecordRequest(ws bool, status int, latency time.Duration)
}

// Config controls request-size limits and CORS behaviour.
type Config struct {
	MaxPayloadSize int64 // 0 = unlimited
	// AllowedOrigins, when non-empty, restricts Access-Control-Allow-Origin
	// to a reflected match (or the first entry as a fallback); empty means
	// the wildcard origin.
	AllowedOrigins []string
}

// Protocol is the HTTP request handler wired into an http.Server /
// gorilla/mux router.
type Protocol struct {
	cfg      Config
	registry *dispatch.Registry
	log      *logging.Logger
	metrics  Metrics
}

// New builds an HTTP protocol instance dispatching through registry.
func New(cfg Config, registry *dispatch.Registry, log *logging.Logger, metrics Metrics) *Protocol {
	return &Protocol{cfg: cfg, registry: registry, log: log, metrics: metrics}
}

// Router returns a gorilla/mux router with the catch-all handler
// installed, ready to pass to a listener.Server.
func (p *Protocol) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(p.handle)
	return r
}

func (p *Protocol) handle(w http.ResponseWriter, r *http.Request) {
	arrived := time.Now()
	p.setCORSHeaders(w, r)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET")
		w.Header().Set("Access-Control-Allow-Headers", "origin, content-type, accept")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusOK)
		return
	}

	if p.cfg.MaxPayloadSize > 0 && int64(len(r.URL.String())) > p.cfg.MaxPayloadSize {
		http.Error(w, "URI Too Long", http.StatusRequestURITooLong)
		return
	}
	decodedPath, err := url.PathUnescape(r.URL.Path)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	version, verb, ok := splitVersionAndVerb(p.registry, decodedPath)
	if !ok {
		http.Error(w, "Bad Request: no API version in path", http.StatusBadRequest)
		return
	}

	var data *protocol.Data
	switch r.Method {
	case http.MethodGet:
		data = protocol.ParseBody(r.URL.RawQuery)
	case http.MethodPost:
		body, truncated, rerr := p.readBody(r.Body)
		if rerr != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if truncated {
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		data = protocol.ParseBody(string(body))
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	conn := protocol.NewConnection(protocol.KindHTTP, remoteAddr(r), uuid.NewString())
	defer conn.Close()

	resp := &responder{w: w}
	msg := &protocol.Message{
		Connection:   conn,
		Responder:    resp,
		Version:      version,
		Verb:         verb,
		Data:         data,
		Arrived:      arrived,
		LatencyStart: arrived,
	}

	result, err := p.registry.Receive(r.Context(), version, verb, data, msg)
	status := p.writeResult(resp, msg, result, err)

	if !msg.LatencyStart.IsZero() && p.metrics != nil {
		p.metrics.RecordRequest(false, status, time.Since(msg.LatencyStart))
	}
}

func (p *Protocol) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := "*"
	if len(p.cfg.AllowedOrigins) > 0 {
		origin = p.cfg.AllowedOrigins[0]
		if reqOrigin := r.Header.Get("Origin"); reqOrigin != "" {
			for _, allowed := range p.cfg.AllowedOrigins {
				if allowed == reqOrigin {
					origin = reqOrigin
					break
				}
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
}

func (p *Protocol) readBody(body io.Reader) ([]byte, bool, error) {
	if p.cfg.MaxPayloadSize <= 0 {
		data, err := io.ReadAll(body)
		return data, false, err
	}
	limited := io.LimitReader(body, p.cfg.MaxPayloadSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > p.cfg.MaxPayloadSize {
		return nil, true, nil
	}
	return data, false, nil
}

// writeResult maps a handler's (value, error) pair to the wire
// response and returns the status code used, for metrics purposes.
func (p *Protocol) writeResult(resp *responder, msg *protocol.Message, result any, err error) int {
	if err == nil {
		status := http.StatusOK
		if msg.StatusOverride != nil {
			status = *msg.StatusOverride
		}
		resp.Respond(status, msg.HeaderOverrides, result)
		return status
	}

	if uv, ok := err.(*dispatch.UnknownVerbError); ok {
		resp.Respond(http.StatusBadRequest, nil, uv.Error())
		return http.StatusBadRequest
	}
	if ce, ok := apierr.AsClientError(err); ok {
		resp.Respond(ce.Status, nil, ce.Message)
		return ce.Status
	}

	p.log.WithError(err).Msg("httpproto: internal error handling request")
	resp.Respond(http.StatusInternalServerError, nil, "Error occurred during request.")
	return http.StatusInternalServerError
}

// splitVersionAndVerb implements §4.5 step 3: the path must contain at
// least two non-empty segments, one of which (case-insensitively)
// names a registered API version; everything after it, lower-cased
// and rejoined with "/", is the verb.
func splitVersionAndVerb(registry *dispatch.Registry, path string) (version, verb string, ok bool) {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 2 {
		return "", "", false
	}
	for i, s := range segments {
		if registry.HasVersion(s) {
			verb = strings.ToLower(strings.Join(segments[i+1:], "/"))
			if verb == "" {
				return "", "", false
			}
			return strings.ToLower(s), verb, true
		}
	}
	return "", "", false
}

func remoteAddr(r *http.Request) remoteAddrString {
	return remoteAddrString(r.RemoteAddr)
}

type remoteAddrString string

func (a remoteAddrString) Network() string { return "tcp" }
func (a remoteAddrString) String() string  { return string(a) }

// responder implements protocol.Responder for a single HTTP
// request/response pair. HTTP cannot push.
type responder struct {
	w http.ResponseWriter
}

func (r *responder) Respond(status int, headers map[string]string, body any) {
	hasContentType := false
	for k, v := range headers {
		r.w.Header().Set(k, v)
		if strings.EqualFold(k, "Content-Type") {
			hasContentType = true
		}
	}

	if hasContentType {
		r.w.WriteHeader(status)
		if s, ok := body.(string); ok {
			io.WriteString(r.w, s)
		}
		return
	}

	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(status)
	if body == nil {
		return
	}
	if s, ok := body.(string); ok {
		io.WriteString(r.w, s)
		return
	}
	_ = json.NewEncoder(r.w).Encode(body)
}

func (r *responder) Push(string, int, any) error {
	return errCannotPush
}

func (r *responder) CanPush() bool { return false }

var errCannotPush = pushNotSupported{}

type pushNotSupported struct{}

func (pushNotSupported) Error() string { return "http protocol cannot push" }
