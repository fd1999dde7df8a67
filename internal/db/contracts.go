package db

import (
	"context"
	"fmt"
)

// Contract is a row of basics.contracts, describing one smart-contract
// template available for submission.
type Contract struct {
	Hash             []byte `db:"contract_hash"`
	Type             string `db:"contract_type"`
	Version          int    `db:"version"`
	Description      string `db:"description"`
	Template         string `db:"template"`
	ValidanaVersion  string `db:"validana_version"`
}

// Contracts returns every row of basics.contracts, optionally filtered
// to a single contract type (empty string means "all").
func (d *DB) Contracts(ctx context.Context, contractType string) ([]Contract, error) {
	var out []Contract
	err := d.SelectContext(ctx, &out, `
		SELECT contract_hash, contract_type, version, description, template, validana_version
		FROM basics.contracts
		WHERE $1 = '' OR contract_type = $1
		ORDER BY contract_type, version
	`, contractType)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	return out, nil
}
