package metrics

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/logging"
)

type fakeStore struct {
	synced      chan struct{}
	lastTotals  map[string]int64
	lastCurrent map[string]int64
	deletedFor  []int
	currents    []db.MetricExport
	totals      []db.MetricRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{synced: make(chan struct{}, 10)}
}

func (f *fakeStore) SyncMetrics(ctx context.Context, worker int, totals, currents map[string]int64) error {
	f.lastTotals = totals
	f.lastCurrent = currents
	f.synced <- struct{}{}
	return nil
}

func (f *fakeStore) DeleteStaleWorkers(ctx context.Context, liveWorkers []int) error {
	f.deletedFor = liveWorkers
	return nil
}

func (f *fakeStore) ExportCurrents(ctx context.Context) ([]db.MetricExport, error) {
	return f.currents, nil
}

func (f *fakeStore) ExportTotals(ctx context.Context) ([]db.MetricRow, error) {
	return f.totals, nil
}

func testLog() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

func TestRecordRequestBucketsByOutcomeAndTransport(t *testing.T) {
	a := New(1, newFakeStore(), testLog(), nil)
	a.RecordRequest(false, 200, 10*time.Millisecond)
	a.RecordRequest(true, 404, 10*time.Millisecond)
	a.RecordRequest(false, 500, 10*time.Millisecond)

	require.EqualValues(t, 1, *a.totals["requestsSuccessRest"])
	require.EqualValues(t, 1, *a.totals["requestsClientErrorWs"])
	require.EqualValues(t, 1, *a.totals["requestsServerErrorRest"])
	require.EqualValues(t, 3, *a.totals["latencyInf"])
}

func TestRecordRequestLatencyFillsCumulativeBuckets(t *testing.T) {
	a := New(1, newFakeStore(), testLog(), nil)
	a.RecordRequest(false, 200, 100*time.Millisecond)

	require.EqualValues(t, 0, *a.totals["latency8"])
	require.EqualValues(t, 1, *a.totals["latency128"])
	require.EqualValues(t, 1, *a.totals["latency4096"])
	require.EqualValues(t, 100, *a.totals["latencyTotal"])
}

func TestSyncResetsTotalsButKeepsCurrents(t *testing.T) {
	store := newFakeStore()
	a := New(2, store, testLog(), nil)
	a.RecordRequest(false, 200, time.Millisecond)
	a.SetMemory(12345)

	a.sync(context.Background())

	require.EqualValues(t, 1, store.lastTotals["requestsSuccessRest"])
	require.EqualValues(t, 0, *a.totals["requestsSuccessRest"])
	require.EqualValues(t, 12345, *a.currents["memory"])
	require.EqualValues(t, 12345, store.lastCurrent["memory"])
}

func TestSyncDeletesStaleWorkersOnlyAfterFirstSuccess(t *testing.T) {
	store := newFakeStore()
	a := New(3, store, testLog(), func() []int { return []int{1, 2, 3} })

	a.sync(context.Background())
	require.Equal(t, []int{1, 2, 3}, store.deletedFor)

	store.deletedFor = nil
	a.sync(context.Background())
	require.Nil(t, store.deletedFor)
}

func TestJSONExportOmitsBuiltinsUnlessRequested(t *testing.T) {
	store := newFakeStore()
	store.totals = []db.MetricRow{
		{Metric: "requestsSuccessRest", Worker: -1, Value: 7},
		{Metric: "customCounter", Worker: -1, Value: 3},
	}
	a := New(1, store, testLog(), nil)
	a.SetEnabled(true)

	body, contentType, err := a.Export(context.Background(), "json", false)
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.NotContains(t, decoded, "requestsSuccessRest")
	require.Contains(t, decoded, "customCounter")

	body, _, err = a.Export(context.Background(), "json", true)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Contains(t, decoded, "requestsSuccessRest")
}

func TestPrometheusExportRendersCustomMetric(t *testing.T) {
	store := newFakeStore()
	store.totals = []db.MetricRow{{Metric: "customCounter", Worker: -1, Value: 42}}
	a := New(1, store, testLog(), nil)
	a.SetEnabled(true)

	body, contentType, err := a.Export(context.Background(), "prometheus", false)
	require.NoError(t, err)
	require.Equal(t, "text/plain; charset=UTF-8", contentType)
	require.True(t, strings.Contains(string(body), "validana_custom_counter"))
}

func TestExportDisabledWhenNoSyncLoopStarted(t *testing.T) {
	a := New(1, newFakeStore(), testLog(), nil)
	_, _, err := a.Export(context.Background(), "json", true)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestPrometheusExportRendersCumulativeLatencyHistogram(t *testing.T) {
	store := newFakeStore()
	a := New(1, store, testLog(), nil)
	a.SetEnabled(true)
	a.RecordRequest(false, 200, 100*time.Millisecond)
	a.sync(context.Background())
	store.totals = []db.MetricRow{}
	for name, v := range store.lastTotals {
		store.totals = append(store.totals, db.MetricRow{Metric: name, Worker: -1, Value: v})
	}

	body, _, err := a.Export(context.Background(), "prometheus", true)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `validana_latency_bucket{le="+Inf"}`)
	require.Contains(t, text, "validana_latency_sum")
	require.Contains(t, text, "validana_latency_count")
}

func TestUnknownFormatReturnsError(t *testing.T) {
	a := New(1, newFakeStore(), testLog(), nil)
	a.SetEnabled(true)
	_, _, err := a.Export(context.Background(), "xml", false)
	require.Error(t, err)
}

func TestRegisterFormatterOverridesBuiltin(t *testing.T) {
	a := New(1, newFakeStore(), testLog(), nil)
	a.SetEnabled(true)
	a.RegisterFormatter("json", func(c []db.MetricExport, t []db.MetricRow, includeDefaults bool) ([]byte, string, error) {
		return []byte("custom"), "text/custom", nil
	})
	body, contentType, err := a.Export(context.Background(), "json", false)
	require.NoError(t, err)
	require.Equal(t, "custom", string(body))
	require.Equal(t, "text/custom", contentType)
}
