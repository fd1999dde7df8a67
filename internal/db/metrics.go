package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MetricRow is a row of basics.metrics: (metric, worker, value) with
// worker = -1 denoting the cross-worker total.
type MetricRow struct {
	Metric string `db:"metric"`
	Worker int    `db:"worker"`
	Value  int64  `db:"value"`
}

// SyncMetrics persists one worker's accumulated totals (added to the
// existing worker=-1 row) and current gauges (replacing the row keyed
// on this worker id), inside a single transaction.
func (d *DB) SyncMetrics(ctx context.Context, worker int, totals map[string]int64, currents map[string]int64) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics sync: %w", err)
	}
	defer tx.Rollback()

	for metric, delta := range totals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO basics.metrics (metric, worker, value)
			VALUES ($1, -1, $2)
			ON CONFLICT (metric, worker) DO UPDATE SET value = basics.metrics.value + excluded.value
		`, metric, delta); err != nil {
			return fmt.Errorf("sync total metric %s: %w", metric, err)
		}
	}

	for metric, value := range currents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO basics.metrics (metric, worker, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (metric, worker) DO UPDATE SET value = excluded.value
		`, metric, worker, value); err != nil {
			return fmt.Errorf("sync current metric %s: %w", metric, err)
		}
	}

	return tx.Commit()
}

// DeleteStaleWorkers removes current-metric rows belonging to worker
// ids not present in liveWorkers, run once after a worker's first sync
// to clean up rows left behind by a dead sibling.
func (d *DB) DeleteStaleWorkers(ctx context.Context, liveWorkers []int) error {
	if len(liveWorkers) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM basics.metrics WHERE worker NOT IN (?) AND worker >= 0`, liveWorkers)
	if err != nil {
		return err
	}
	if _, err := d.ExecContext(ctx, d.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete stale worker metrics: %w", err)
	}
	return nil
}

// ExportCurrents aggregates each current metric's live rows into a
// JSON array via jsonb_agg, for the metrics export verb.
func (d *DB) ExportCurrents(ctx context.Context) ([]MetricExport, error) {
	var out []MetricExport
	err := d.SelectContext(ctx, &out, `
		SELECT metric, jsonb_agg(jsonb_build_object('worker', worker, 'value', value)) AS workers_json
		FROM basics.metrics
		WHERE worker >= 0
		GROUP BY metric
	`)
	if err != nil {
		return nil, fmt.Errorf("export current metrics: %w", err)
	}
	return out, nil
}

// MetricExport is one aggregated current-metric row as returned by
// ExportCurrents.
type MetricExport struct {
	Metric      string `db:"metric"`
	WorkersJSON []byte `db:"workers_json"`
}

// ExportTotals returns every worker=-1 total-metric row.
func (d *DB) ExportTotals(ctx context.Context) ([]MetricRow, error) {
	var out []MetricRow
	err := d.SelectContext(ctx, &out, `SELECT metric, worker, value FROM basics.metrics WHERE worker = -1`)
	if err != nil {
		return nil, fmt.Errorf("export total metrics: %w", err)
	}
	return out, nil
}
