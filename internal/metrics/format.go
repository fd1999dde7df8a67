package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/validana-io/vserver/internal/db"
)

// jsonFormatter renders the built-in "json" export: one object keyed
// by metric name, current metrics as a worker->value array, totals as
// a bare number.
func jsonFormatter(currents []db.MetricExport, totals []db.MetricRow, includeDefaults bool) ([]byte, string, error) {
	out := make(map[string]any, len(currents)+len(totals))

	for _, row := range currents {
		if !includeDefaults && isBuiltin(row.Metric) {
			continue
		}
		var workers []map[string]any
		if len(row.WorkersJSON) > 0 {
			if err := json.Unmarshal(row.WorkersJSON, &workers); err != nil {
				return nil, "", fmt.Errorf("metrics: decode current metric %s: %w", row.Metric, err)
			}
		}
		out[row.Metric] = workers
	}
	for _, row := range totals {
		if !includeDefaults && isBuiltin(row.Metric) {
			continue
		}
		out[row.Metric] = row.Value
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("metrics: encode json export: %w", err)
	}
	return body, "application/json", nil
}

// histogramSpec describes one of the built-in cumulative histograms
// (latency, websocket) in terms of the per-bucket total-metric names
// that carry its counts.
type histogramSpec struct {
	name    string
	bounds  []int64
	infName string
	sumName string
}

var histogramSpecs = []histogramSpec{
	{name: "latency", bounds: latencyBucketsMS, infName: "latencyInf", sumName: "latencyTotal"},
	{name: "websocket", bounds: connectionBucketsS, infName: "websocketInf", sumName: "websocketTotal"},
}

// prometheusFormatter builds a fresh registry per call (export is
// infrequent and cross-worker, so there is no benefit to a persistent
// collector tree) and renders it as Prometheus text exposition. The
// latency and websocket-lifetime histograms are rendered as genuine
// cumulative Prometheus histograms (_bucket/_sum/_count, "+Inf" tail),
// per §4.9; every other total/current metric is a plain gauge.
func prometheusFormatter(currents []db.MetricExport, totals []db.MetricRow, includeDefaults bool) ([]byte, string, error) {
	reg := prometheus.NewRegistry()
	byName := make(map[string]int64, len(totals))
	for _, row := range totals {
		byName[row.Metric] = row.Value
	}

	histogramMetrics := make(map[string]bool)
	if includeDefaults {
		for _, spec := range histogramSpecs {
			histogramMetrics[spec.infName] = true
			histogramMetrics[spec.sumName] = true
			for _, b := range spec.bounds {
				histogramMetrics[fmt.Sprintf("%s%d", spec.name, b)] = true
			}
			m, err := spec.build(byName)
			if err != nil {
				return nil, "", err
			}
			if m == nil {
				continue
			}
			if err := reg.Register(constMetricCollector{metric: m}); err != nil {
				return nil, "", fmt.Errorf("metrics: register %s histogram: %w", spec.name, err)
			}
		}
	}

	for _, row := range totals {
		if !includeDefaults && isBuiltin(row.Metric) {
			continue
		}
		if histogramMetrics[row.Metric] {
			continue
		}
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: sanitizeMetricName(row.Metric),
			Help: row.Metric + " (total, across all workers)",
		})
		g.Set(float64(row.Value))
		if err := reg.Register(g); err != nil {
			return nil, "", fmt.Errorf("metrics: register %s: %w", row.Metric, err)
		}
	}

	for _, row := range currents {
		if !includeDefaults && isBuiltin(row.Metric) {
			continue
		}
		var workers []struct {
			Worker int   `json:"worker"`
			Value  int64 `json:"value"`
		}
		if len(row.WorkersJSON) > 0 {
			if err := json.Unmarshal(row.WorkersJSON, &workers); err != nil {
				return nil, "", fmt.Errorf("metrics: decode current metric %s: %w", row.Metric, err)
			}
		}
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeMetricName(row.Metric),
			Help: row.Metric + " (current, per worker)",
		}, []string{"worker"})
		for _, w := range workers {
			vec.WithLabelValues(fmt.Sprintf("%d", w.Worker)).Set(float64(w.Value))
		}
		if err := reg.Register(vec); err != nil {
			return nil, "", fmt.Errorf("metrics: register %s: %w", row.Metric, err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		return nil, "", fmt.Errorf("metrics: gather: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, "", fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), "text/plain; charset=UTF-8", nil
}

// build renders this histogram spec's accumulated bucket counts as a
// prometheus.Metric via NewConstHistogram, the documented way to
// expose a histogram whose counts were aggregated elsewhere rather
// than observed in-process.
func (s histogramSpec) build(byName map[string]int64) (prometheus.Metric, error) {
	count, ok := byName[s.infName]
	if !ok {
		return nil, nil
	}
	buckets := make(map[float64]uint64, len(s.bounds))
	for _, b := range s.bounds {
		buckets[float64(b)] = uint64(byName[fmt.Sprintf("%s%d", s.name, b)])
	}
	sum := float64(byName[s.sumName])
	desc := prometheus.NewDesc(
		sanitizeMetricName(s.name),
		s.name+" cumulative histogram, aggregated across all workers",
		nil, nil,
	)
	m, err := prometheus.NewConstHistogram(desc, uint64(count), sum, buckets)
	if err != nil {
		return nil, fmt.Errorf("metrics: build %s histogram: %w", s.name, err)
	}
	return m, nil
}

// constMetricCollector adapts a single prometheus.Metric (such as one
// built via NewConstHistogram) to the prometheus.Collector interface
// required by Registry.Register.
type constMetricCollector struct {
	metric prometheus.Metric
}

func (c constMetricCollector) Describe(ch chan<- *prometheus.Desc) {}

func (c constMetricCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- c.metric
}

func isBuiltin(metric string) bool {
	switch metric {
	case "memory", "wsConnections", "lastSync":
		return true
	}
	for _, name := range builtinTotalNames() {
		if name == metric {
			return true
		}
	}
	return false
}

// sanitizeMetricName maps a camelCase metric name (e.g. "requestsSuccessRest")
// to the snake_case form Prometheus collector names are conventionally
// written in.
func sanitizeMetricName(name string) string {
	var b bytes.Buffer
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return "validana_" + b.String()
}
