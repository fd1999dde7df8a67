package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TransactionStatus mirrors the status enum of basics.transactions.
type TransactionStatus string

const (
	StatusNew      TransactionStatus = "new"
	StatusInvalid  TransactionStatus = "invalid"
	StatusAccepted TransactionStatus = "accepted"
	StatusRejected TransactionStatus = "rejected"
)

// Transaction is a row of basics.transactions.
type Transaction struct {
	TransactionID   []byte            `db:"transaction_id"`
	Version         int               `db:"version"`
	ContractHash    []byte            `db:"contract_hash"`
	ValidTill       int64             `db:"valid_till"`
	Payload         string            `db:"payload"`
	Signature       []byte            `db:"signature"`
	PublicKey       []byte            `db:"public_key"`
	CreateTs        int64             `db:"create_ts"`
	BlockID         sql.NullInt64     `db:"block_id"`
	PositionInBlock sql.NullInt32     `db:"position_in_block"`
	ProcessedTs     sql.NullInt64     `db:"processed_ts"`
	Status          TransactionStatus `db:"status"`
	Sender          sql.NullString    `db:"sender"`
	Receiver        sql.NullString    `db:"receiver"`
	ContractType    sql.NullString    `db:"contract_type"`
	Message         sql.NullString    `db:"message"`
}

// HexID is the hex-encoded form used to key transactionId subscriptions
// and responses.
func (t Transaction) HexID() string { return hex.EncodeToString(t.TransactionID) }

// ErrAlreadyExists is returned by InsertTransaction on a duplicate
// transaction_id, matching the "Transaction with id already exists."
// client-error message.
var ErrAlreadyExists = errors.New("Transaction with id already exists.")

// InsertTransaction inserts a freshly submitted transaction with
// status = new. A conflicting primary key yields ErrAlreadyExists.
func (d *DB) InsertTransaction(ctx context.Context, tx Transaction) error {
	res, err := d.ExecContext(ctx, `
		INSERT INTO basics.transactions
			(transaction_id, version, contract_hash, valid_till, payload, signature, public_key, create_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'new')
		ON CONFLICT (transaction_id) DO NOTHING
	`, tx.TransactionID, tx.Version, tx.ContractHash, tx.ValidTill, tx.Payload, tx.Signature, tx.PublicKey, tx.CreateTs)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

const transactionColumns = `
	transaction_id, version, contract_hash, valid_till, payload, signature, public_key,
	create_ts, block_id, position_in_block, processed_ts, status, sender, receiver, contract_type, message
`

// TransactionsByIDs returns every row matching one of ids, in no
// particular order; missing ids are simply absent from the result.
func (d *DB) TransactionsByIDs(ctx context.Context, ids [][]byte) ([]Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Transaction
	query, args, err := sqlx.In(`SELECT `+transactionColumns+` FROM basics.transactions WHERE transaction_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if err := d.SelectContext(ctx, &out, d.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query transactions by id: %w", err)
	}
	return out, nil
}

// TransactionsByProcessedTS returns every row whose processed_ts equals
// ts, as consumed by the notification listener after a NOTIFY.
func (d *DB) TransactionsByProcessedTS(ctx context.Context, ts int64) ([]Transaction, error) {
	var out []Transaction
	err := d.SelectContext(ctx, &out, `SELECT `+transactionColumns+` FROM basics.transactions WHERE processed_ts = $1`, ts)
	if err != nil {
		return nil, fmt.Errorf("query transactions by processed_ts: %w", err)
	}
	return out, nil
}
