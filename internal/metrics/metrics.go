// Package metrics implements the Metrics Aggregator (§4.9): per-worker
// counters and histograms, a periodic sync of totals/currents to the
// shared store, and built-in plus user-registered export formatters.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/logging"
)

// latencyBucketsMS are the cumulative upper bounds (inclusive) for the
// request-latency histogram, in milliseconds.
var latencyBucketsMS = []int64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// connectionBucketsS are the cumulative upper bounds for the
// WebSocket-connection-lifetime histogram, in seconds.
var connectionBucketsS = []int64{10, 30, 60, 120, 300, 900}

// Store is the subset of internal/db used to persist and export
// metrics; satisfied by *db.DB.
type Store interface {
	SyncMetrics(ctx context.Context, worker int, totals, currents map[string]int64) error
	DeleteStaleWorkers(ctx context.Context, liveWorkers []int) error
	ExportCurrents(ctx context.Context) ([]db.MetricExport, error)
	ExportTotals(ctx context.Context) ([]db.MetricRow, error)
}

// Formatter renders the aggregated export rows into format-specific
// bytes, given includeDefaults (whether to also emit the built-in
// counters/histograms alongside any custom metrics the rows carry).
type Formatter func(currents []db.MetricExport, totals []db.MetricRow, includeDefaults bool) ([]byte, string, error)

// Aggregator owns one worker's local counters/gauges and the sync loop
// that reconciles them with the shared store.
type Aggregator struct {
	workerID int
	store    Store
	log      *logging.Logger

	liveWorkers func() []int
	firstSync   atomic.Bool
	enabled     atomic.Bool

	mu     sync.Mutex
	totals map[string]*int64

	curMu    sync.Mutex
	currents map[string]*int64

	fmtMu      sync.RWMutex
	formatters map[string]Formatter

	cron *cron.Cron
}

// New builds an Aggregator for workerID, persisting through store.
// liveWorkers, called once after the first successful sync, reports
// the currently-live worker ids so stale rows can be pruned.
func New(workerID int, store Store, log *logging.Logger, liveWorkers func() []int) *Aggregator {
	a := &Aggregator{
		workerID:    workerID,
		store:       store,
		log:         log,
		liveWorkers: liveWorkers,
		totals:      make(map[string]*int64),
		currents:    make(map[string]*int64),
		formatters:  make(map[string]Formatter),
	}
	for _, name := range builtinTotalNames() {
		v := int64(0)
		a.totals[name] = &v
	}
	for _, name := range []string{"memory", "wsConnections", "lastSync"} {
		v := int64(0)
		a.currents[name] = &v
	}
	a.formatters["json"] = jsonFormatter
	a.formatters["prometheus"] = prometheusFormatter
	return a
}

func builtinTotalNames() []string {
	names := []string{
		"requestsSuccessRest", "requestsClientErrorRest", "requestsServerErrorRest",
		"requestsSuccessWs", "requestsClientErrorWs", "requestsServerErrorWs",
	}
	for _, b := range latencyBucketsMS {
		names = append(names, fmt.Sprintf("latency%d", b))
	}
	names = append(names, "latencyInf", "latencyTotal")
	for _, b := range connectionBucketsS {
		names = append(names, fmt.Sprintf("websocket%d", b))
	}
	names = append(names, "websocketInf", "websocketTotal")
	return names
}

func (a *Aggregator) addTotal(name string, delta int64) {
	a.mu.Lock()
	p, ok := a.totals[name]
	if !ok {
		v := int64(0)
		p = &v
		a.totals[name] = p
	}
	a.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (a *Aggregator) setCurrent(name string, value int64) {
	a.curMu.Lock()
	p, ok := a.currents[name]
	if !ok {
		v := int64(0)
		p = &v
		a.currents[name] = p
	}
	a.curMu.Unlock()
	atomic.StoreInt64(p, value)
}

// RecordRequest implements httpproto.Metrics and wsproto.Metrics: it
// buckets the outcome by status class and transport, and folds latency
// into the cumulative histogram.
func (a *Aggregator) RecordRequest(ws bool, status int, latency time.Duration) {
	suffix := "Rest"
	if ws {
		suffix = "Ws"
	}
	switch {
	case status >= 500:
		a.addTotal("requestsServerError"+suffix, 1)
	case status >= 400:
		a.addTotal("requestsClientError"+suffix, 1)
	default:
		a.addTotal("requestsSuccess"+suffix, 1)
	}

	ms := latency.Milliseconds()
	for _, bound := range latencyBucketsMS {
		if ms <= bound {
			a.addTotal(fmt.Sprintf("latency%d", bound), 1)
		}
	}
	a.addTotal("latencyInf", 1)
	a.addTotal("latencyTotal", ms)
}

// RecordConnectionLifetime implements wsproto.Metrics: it folds a
// closed WebSocket connection's lifetime into the cumulative histogram.
func (a *Aggregator) RecordConnectionLifetime(d time.Duration) {
	secs := int64(d.Seconds())
	for _, bound := range connectionBucketsS {
		if secs <= bound {
			a.addTotal(fmt.Sprintf("websocket%d", bound), 1)
		}
	}
	a.addTotal("websocketInf", 1)
	a.addTotal("websocketTotal", secs)
}

// SetMemory records the worker's current resident memory, in bytes.
func (a *Aggregator) SetMemory(bytes int64) { a.setCurrent("memory", bytes) }

// SetWSConnections records the worker's current live WebSocket connection count.
func (a *Aggregator) SetWSConnections(n int64) { a.setCurrent("wsConnections", n) }

// RegisterFormatter adds or replaces a named export formatter. Built-in
// "json" and "prometheus" may be overridden.
func (a *Aggregator) RegisterFormatter(name string, f Formatter) {
	a.fmtMu.Lock()
	defer a.fmtMu.Unlock()
	a.formatters[name] = f
}

// SetEnabled records whether METRICSINTERVAL is non-zero; Export fails
// with ErrDisabled while disabled.
func (a *Aggregator) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

// ErrDisabled is returned by Export when METRICSINTERVAL is 0.
var ErrDisabled = fmt.Errorf("gathering metrics is disabled")

// RunSync starts the periodic metrics-sync loop on a robfig/cron
// schedule of "@every <interval>" and blocks until ctx is cancelled.
func (a *Aggregator) RunSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	a.SetEnabled(true)
	a.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := a.cron.AddFunc(spec, func() { a.sync(ctx) }); err != nil {
		return fmt.Errorf("metrics: schedule sync: %w", err)
	}
	a.cron.Start()
	<-ctx.Done()
	stopCtx := a.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (a *Aggregator) sync(ctx context.Context) {
	totals := a.snapshotAndResetTotals()
	currents := a.snapshotCurrents()

	if err := a.store.SyncMetrics(ctx, a.workerID, totals, currents); err != nil {
		a.log.WithError(err).Msg("metrics: sync failed, totals re-added")
		a.restoreTotals(totals)
		return
	}
	a.setCurrent("lastSync", time.Now().Unix())

	if a.firstSync.CompareAndSwap(false, true) && a.liveWorkers != nil {
		if err := a.store.DeleteStaleWorkers(ctx, a.liveWorkers()); err != nil {
			a.log.WithError(err).Msg("metrics: delete stale workers failed")
		}
	}
}

func (a *Aggregator) snapshotAndResetTotals() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.totals))
	for name, p := range a.totals {
		out[name] = atomic.SwapInt64(p, 0)
	}
	return out
}

func (a *Aggregator) restoreTotals(prev map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, v := range prev {
		if p, ok := a.totals[name]; ok {
			atomic.AddInt64(p, v)
		}
	}
}

func (a *Aggregator) snapshotCurrents() map[string]int64 {
	a.curMu.Lock()
	defer a.curMu.Unlock()
	out := make(map[string]int64, len(a.currents))
	for name, p := range a.currents {
		out[name] = atomic.LoadInt64(p)
	}
	return out
}

// Export aggregates cross-worker rows from the store and renders them
// with the named formatter.
func (a *Aggregator) Export(ctx context.Context, format string, includeDefaults bool) ([]byte, string, error) {
	if !a.enabled.Load() {
		return nil, "", ErrDisabled
	}
	a.fmtMu.RLock()
	f, ok := a.formatters[format]
	a.fmtMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("metrics: unknown export format %q", format)
	}

	currents, err := a.store.ExportCurrents(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("metrics: export currents: %w", err)
	}
	totals, err := a.store.ExportTotals(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("metrics: export totals: %w", err)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Metric < totals[j].Metric })
	sort.Slice(currents, func(i, j int) bool { return currents[i].Metric < currents[j].Metric })

	return f(currents, totals, includeDefaults)
}
