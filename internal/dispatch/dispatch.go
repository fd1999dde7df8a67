// Package dispatch implements the Request Dispatcher (§4.7): a
// per-API-version registry of verbs shared by the HTTP and WebSocket
// protocols, so that both reach the same handler with the same parsed
// data for the same (version, verb) pair.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/validana-io/vserver/internal/eventhub"
	"github.com/validana-io/vserver/internal/protocol"
)

// Handler is a registered verb implementation. It returns a response
// value on success, or an error on failure (see internal/apierr for
// the client/server error distinction).
type Handler func(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error)

type entry struct {
	handler Handler
	logFlag bool
}

// VerbTable is the verb registry for one API version.
type VerbTable struct {
	mu    sync.RWMutex
	verbs map[string]entry
}

func newVerbTable() *VerbTable {
	return &VerbTable{verbs: make(map[string]entry)}
}

// Register adds or replaces verb's handler. Verb names are matched
// case-insensitively; logFlag controls whether invocations are logged.
func (t *VerbTable) Register(verb string, h Handler, logFlag bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verbs[strings.ToLower(verb)] = entry{handler: h, logFlag: logFlag}
}

// Verbs returns a sorted list of every registered verb name.
func (t *VerbTable) Verbs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.verbs))
	for v := range t.verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (t *VerbTable) lookup(verb string) (entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.verbs[strings.ToLower(verb)]
	return e, ok
}

// UnknownVerbError is returned by Receive when verb has no registered
// handler; it lists every known verb for the caller's benefit.
type UnknownVerbError struct {
	Verb  string
	Known []string
}

func (e *UnknownVerbError) Error() string {
	return fmt.Sprintf("Invalid type: %s, supported types: %s", e.Verb, strings.Join(e.Known, ", "))
}

// Registry owns one VerbTable per API version.
type Registry struct {
	mu         sync.Mutex
	versions   map[string]*VerbTable
	MessageHub *eventhub.Hub
}

// NewRegistry creates an empty per-version verb registry. messageHub
// receives a "message" event, keyed by "<version>/<verb>", before
// every dispatch, letting introspection hooks observe invocations.
func NewRegistry(messageHub *eventhub.Hub) *Registry {
	return &Registry{versions: make(map[string]*VerbTable), MessageHub: messageHub}
}

// For returns the verb table for apiVersion (case-insensitive),
// creating it on first use.
func (r *Registry) For(apiVersion string) *VerbTable {
	key := strings.ToLower(apiVersion)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.versions[key]
	if !ok {
		t = newVerbTable()
		r.versions[key] = t
	}
	return t
}

// HasVersion reports whether apiVersion (case-insensitive) has been
// registered at least once.
func (r *Registry) HasVersion(apiVersion string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.versions[strings.ToLower(apiVersion)]
	return ok
}

// Receive dispatches verb within apiVersion. On success it returns the
// handler's response value; on an unknown verb it returns
// *UnknownVerbError.
func (r *Registry) Receive(ctx context.Context, apiVersion, verb string, data *protocol.Data, msg *protocol.Message) (any, error) {
	table := r.For(apiVersion)
	e, ok := table.lookup(verb)
	if !ok {
		return nil, &UnknownVerbError{Verb: verb, Known: table.Verbs()}
	}

	if r.MessageHub != nil {
		r.MessageHub.Emit(strings.ToLower(apiVersion)+"/"+strings.ToLower(verb), msg)
	}

	return e.handler(ctx, data, msg)
}
