package notify

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/eventhub"
	"github.com/validana-io/vserver/internal/logging"
)

type fakeStore struct {
	ts  int64
	txs []db.Transaction
}

func (f *fakeStore) TransactionsByProcessedTS(ctx context.Context, ts int64) ([]db.Transaction, error) {
	f.ts = ts
	return f.txs, nil
}

func newListener(store Store) (*Listener, *eventhub.Registry) {
	hub := eventhub.NewRegistry()
	log := logging.New(logging.Config{Level: "error", Output: io.Discard})
	return New("postgres", "", store, hub, log), hub
}

func TestHandleSkipsQueryWithoutSubscribers(t *testing.T) {
	store := &fakeStore{txs: []db.Transaction{{TransactionID: []byte{1}}}}
	l, _ := newListener(store)

	l.handle(context.Background(), `{"ts":100,"txs":1,"other":0}`)
	require.Zero(t, store.ts, "no subscriber exists, query must not run")
}

func TestHandleSkipsQueryWhenPayloadHasNoWork(t *testing.T) {
	store := &fakeStore{}
	l, hub := newListener(store)
	hub.For(eventTransaction).Subscribe(nil, "", func(any) {})

	l.handle(context.Background(), `{"ts":100,"txs":0,"other":0}`)
	require.Zero(t, store.ts, "payload carries no work, query must not run")
}

func TestHandleEmitsToEveryInterestedEventType(t *testing.T) {
	tx := db.Transaction{
		TransactionID: []byte{0xde, 0xad},
		Sender:        sql.NullString{String: "alice", Valid: true},
		Receiver:      sql.NullString{String: "bob", Valid: true},
		ContractType:  sql.NullString{String: "token", Valid: true},
	}
	store := &fakeStore{txs: []db.Transaction{tx}}
	l, hub := newListener(store)
	hub.For(eventTransaction).Subscribe(nil, "", func(any) {})

	var gotID, gotSender, gotReceiver, gotContract, gotAny bool
	hub.For(eventTransactionID).Subscribe(nil, tx.HexID(), func(any) { gotID = true })
	hub.For(eventTransactionAddress).Subscribe(nil, "alice", func(any) { gotSender = true })
	hub.For(eventTransactionAddress).Subscribe(nil, "bob", func(any) { gotReceiver = true })
	hub.For(eventTransactionContract).Subscribe(nil, "token", func(any) { gotContract = true })
	hub.For(eventTransaction).Subscribe(nil, "", func(any) { gotAny = true })

	l.handle(context.Background(), `{"ts":42,"txs":1,"other":0}`)

	require.EqualValues(t, 42, store.ts)
	require.True(t, gotID)
	require.True(t, gotSender)
	require.True(t, gotReceiver)
	require.True(t, gotContract)
	require.True(t, gotAny)
}

func TestHandleIgnoresNonJSONPayload(t *testing.T) {
	store := &fakeStore{}
	l, hub := newListener(store)
	hub.For(eventTransaction).Subscribe(nil, "", func(any) {})

	l.handle(context.Background(), "not json")
	require.Zero(t, store.ts)
}
