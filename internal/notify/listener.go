// Package notify implements the Notification Listener (§4.8): a
// dedicated LISTEN session on the "blocks" channel that, when a
// notification carries work and a subscriber exists, queries the
// newly processed transactions and fans them out through the Event
// Hub.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/eventhub"
	"github.com/validana-io/vserver/internal/logging"
)

const (
	reconnectDelay = 5 * time.Second
	channel        = "blocks"

	eventTransactionID       = "transactionId"
	eventTransactionAddress  = "transactionAddress"
	eventTransactionContract = "transactionContract"
	eventTransaction         = "transaction"
)

// Store is the subset of internal/db the listener queries after a
// notification carrying work.
type Store interface {
	TransactionsByProcessedTS(ctx context.Context, ts int64) ([]db.Transaction, error)
}

// Listener owns the dedicated out-of-pool connection and fans out
// notifications through hub.
type Listener struct {
	driverName, dsn string
	store           Store
	hub             *eventhub.Registry
	log             *logging.Logger
}

// New builds a Listener. driverName/dsn identify the dedicated
// connection, matching db.Config.DedicatedConn's return values.
func New(driverName, dsn string, store Store, hub *eventhub.Registry, log *logging.Logger) *Listener {
	return &Listener{driverName: driverName, dsn: dsn, store: store, hub: hub, log: log}
}

type blockNotification struct {
	Ts    int64 `json:"ts"`
	Txs   int64 `json:"txs"`
	Other int64 `json:"other"`
	Block int64 `json:"block"`
}

// Run opens the LISTEN session and processes notifications until ctx
// is cancelled. On connection loss it reconnects after reconnectDelay,
// matching §5's "fresh listener after 5 seconds" policy.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.runOnce(ctx); err != nil {
			l.log.WithError(err).Msg("notify: listener session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	events := make(chan *pq.Notification, 32)
	listener := pq.NewListener(l.dsn, 2*time.Second, reconnectDelay, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.WithError(err).Msg("notify: listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return err
	}

	go func() {
		for n := range listener.Notify {
			select {
			case events <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-events:
			if !ok {
				return nil
			}
			if n == nil {
				continue
			}
			l.handle(ctx, n.Extra)
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	if !gjson.Valid(payload) {
		l.log.Warnf("notify: non-JSON payload on %s: %s", channel, payload)
		return
	}
	var n blockNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.log.WithError(err).Msg("notify: decode payload")
		return
	}

	if !l.hasInterestedSubscriber() {
		return
	}
	if n.Txs <= 0 && n.Other == 0 {
		return
	}

	txs, err := l.store.TransactionsByProcessedTS(ctx, n.Ts)
	if err != nil {
		l.log.WithError(err).Msg("notify: query processed transactions")
		return
	}

	for _, tx := range txs {
		l.emit(tx)
	}
}

func (l *Listener) hasInterestedSubscriber() bool {
	for _, evt := range []string{eventTransactionID, eventTransactionAddress, eventTransactionContract, eventTransaction} {
		if l.hub.For(evt).SubtypeCount() > 0 {
			return true
		}
	}
	return false
}

func (l *Listener) emit(tx db.Transaction) {
	l.hub.For(eventTransactionID).Emit(tx.HexID(), tx)

	if tx.Sender.Valid {
		l.hub.For(eventTransactionAddress).Emit(tx.Sender.String, tx)
	}
	if tx.Receiver.Valid {
		l.hub.For(eventTransactionAddress).Emit(tx.Receiver.String, tx)
	}
	if tx.ContractType.Valid {
		l.hub.For(eventTransactionContract).Emit(tx.ContractType.String, tx)
	}
	l.hub.For(eventTransaction).Emit("", tx)
}
