package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &DB{DB: sqlx.NewDb(mockDB, "postgres")}, mock
}

func TestInsertTransactionDetectsDuplicate(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec("INSERT INTO basics.transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.InsertTransaction(context.Background(), Transaction{TransactionID: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransactionSucceeds(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec("INSERT INTO basics.transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := d.InsertTransaction(context.Background(), Transaction{TransactionID: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestBlockTimeNoRowsYieldsErrNoBlocks(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("SELECT processed_ts FROM basics.blocks").
		WillReturnRows(sqlmock.NewRows([]string{"processed_ts"}))

	_, err := d.LatestBlockTime(context.Background())
	require.ErrorIs(t, err, ErrNoBlocks)
}

func TestLatestBlockTimeReturnsValue(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("SELECT processed_ts FROM basics.blocks").
		WillReturnRows(sqlmock.NewRows([]string{"processed_ts"}).AddRow(int64(1700000000)))

	ts, err := d.LatestBlockTime(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1700000000, ts)
}

func TestSyncMetricsCommitsBothGroups(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO basics.metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO basics.metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.SyncMetrics(context.Background(), 2,
		map[string]int64{"requestsSuccessRest": 5},
		map[string]int64{"memory": 1024},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContractsFiltersByType(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("SELECT contract_hash, contract_type, version, description, template, validana_version").
		WillReturnRows(sqlmock.NewRows([]string{"contract_hash", "contract_type", "version", "description", "template", "validana_version"}).
			AddRow([]byte{0xaa}, "token", 1, "desc", "tmpl", "2.0"))

	out, err := d.Contracts(context.Background(), "token")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "token", out[0].Type)
}
