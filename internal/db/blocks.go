package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoBlocks is returned by LatestBlockTime when basics.blocks is
// empty, matching the "No existing blocks found." client error.
var ErrNoBlocks = errors.New("No existing blocks found.")

// LatestBlockTime returns the processed timestamp of the most recent
// block, backing the time verb.
func (d *DB) LatestBlockTime(ctx context.Context) (int64, error) {
	var ts int64
	err := d.GetContext(ctx, &ts, `SELECT processed_ts FROM basics.blocks ORDER BY block_id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoBlocks
	}
	if err != nil {
		return 0, fmt.Errorf("query latest block: %w", err)
	}
	return ts, nil
}
