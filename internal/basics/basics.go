// Package basics implements the six built-in verbs (§6): process,
// contracts, transaction, txStatus, time, and metrics. Register wires
// them into a dispatch.VerbTable, following the mixin-style
// registration pattern (a module is a function that adds verbs to an
// existing handler).
package basics

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/validana-io/vserver/internal/apierr"
	"github.com/validana-io/vserver/internal/cache"
	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/eventhub"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/protocol"
)

// Store is the subset of internal/db the basics verbs query.
type Store interface {
	InsertTransaction(ctx context.Context, tx db.Transaction) error
	TransactionsByIDs(ctx context.Context, ids [][]byte) ([]db.Transaction, error)
	LatestBlockTime(ctx context.Context) (int64, error)
	Contracts(ctx context.Context, contractType string) ([]db.Contract, error)
}

// Exporter is the subset of internal/metrics the metrics verb calls.
type Exporter interface {
	Export(ctx context.Context, format string, includeDefaults bool) ([]byte, string, error)
}

// Deps bundles everything the basics verbs need, supplied by the
// worker's wiring (cmd/gateway).
type Deps struct {
	DB           Store
	Contracts    *cache.Cache // named "contracts", registered with an addAll fallback
	Hub          *eventhub.Registry
	Metrics      Exporter
	MetricsToken string
	Log          *logging.Logger

	// ProcessTimeout bounds how long process/transaction/txStatus with
	// wait=true block for a still-pending transaction.
	ProcessTimeout time.Duration
}

const eventTransactionID = "transactionId"

// Register attaches the six built-in verbs to vt.
func Register(vt *dispatch.VerbTable, deps Deps) {
	vt.Register("process", deps.process, true)
	vt.Register("contracts", deps.contracts, true)
	vt.Register("transaction", deps.transaction, true)
	vt.Register("txStatus", deps.txStatus, true)
	vt.Register("time", deps.time, false)
	vt.Register("metrics", deps.metrics, false)
}

func (d Deps) time(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	ts, err := d.DB.LatestBlockTime(ctx)
	if err != nil {
		if errors.Is(err, db.ErrNoBlocks) {
			return nil, apierr.NewClientError(400, err.Error())
		}
		return nil, err
	}
	return ts, nil
}

func (d Deps) contracts(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	contractType := data.String("type")
	v, err := d.Contracts.Get(ctx, contractType)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ContractsRefresh builds the per-key refresh function registered on the
// "contracts" cache; wired in by the caller (cmd/gateway) via
// Contracts.Register or RegisterAddAll, since the cache instance
// itself is constructed before Deps exists.
func ContractsRefresh(store Store) cache.RefreshFunc {
	return func(ctx context.Context, contractType string) (any, error) {
		rows, err := store.Contracts(ctx, contractType)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}
}

func (d Deps) metrics(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	token := data.String("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.MetricsToken)) != 1 {
		return nil, apierr.Unauthorized("Invalid token.")
	}

	format := data.String("format")
	body, contentType, err := d.Metrics.Export(ctx, format, true)
	if err != nil {
		return nil, apierr.NewClientError(400, err.Error())
	}

	msg.LatencyStart = time.Time{}
	if msg.HeaderOverrides == nil {
		msg.HeaderOverrides = make(map[string]string)
	}
	msg.HeaderOverrides["Content-Type"] = contentType
	return string(body), nil
}

func decodeIDs(data *protocol.Data) ([][]byte, []string, error) {
	hexIDs := data.StringSlice("txId")
	ids := make([][]byte, 0, len(hexIDs))
	for _, h := range hexIDs {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, nil, apierr.NewClientError(400, "invalid txId %q: not valid hex", h)
		}
		ids = append(ids, raw)
	}
	return ids, hexIDs, nil
}

func (d Deps) transaction(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	ids, hexIDs, err := decodeIDs(data)
	if err != nil {
		return nil, err
	}
	wait := data.Bool("wait")
	push := data.Bool("push") && msg.Connection.Kind == protocol.KindWebSocket

	found, err := d.queryByHex(ctx, ids)
	if err != nil {
		return nil, err
	}

	missing := missingHexIDs(hexIDs, found)
	deferred := map[string]bool{}
	switch {
	case wait:
		if err := d.awaitMissing(ctx, msg, hexIDs, found); err != nil {
			return nil, err
		}
	case push && len(missing) > 0:
		d.pushMissing(msg, missing)
		for _, h := range missing {
			deferred[h] = true
		}
	}

	out := make([]db.Transaction, 0, len(found))
	for _, h := range hexIDs {
		if deferred[h] {
			continue
		}
		if tx, ok := found[h]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

type txStatusEntry struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (d Deps) txStatus(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	ids, hexIDs, err := decodeIDs(data)
	if err != nil {
		return nil, err
	}
	wait := data.Bool("wait")
	push := data.Bool("push") && msg.Connection.Kind == protocol.KindWebSocket

	found, err := d.queryByHex(ctx, ids)
	if err != nil {
		return nil, err
	}

	missing := missingHexIDs(hexIDs, found)
	deferred := map[string]bool{}
	if wait {
		if err := d.awaitMissing(ctx, msg, hexIDs, found); err != nil {
			return nil, err
		}
		missing = nil
	} else if push && len(missing) > 0 {
		d.pushStatusMissing(msg, missing)
		for _, h := range missing {
			deferred[h] = true
		}
	}

	out := make([]txStatusEntry, 0, len(hexIDs))
	for _, h := range hexIDs {
		if deferred[h] {
			continue
		}
		if tx, ok := found[h]; ok {
			out = append(out, statusEntry(tx))
		}
	}
	return out, nil
}

func statusEntry(tx db.Transaction) txStatusEntry {
	e := txStatusEntry{ID: tx.HexID(), Status: string(tx.Status)}
	if tx.Message.Valid {
		e.Message = tx.Message.String
	}
	return e
}

func (d Deps) queryByHex(ctx context.Context, ids [][]byte) (map[string]db.Transaction, error) {
	rows, err := d.DB.TransactionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]db.Transaction, len(rows))
	for _, r := range rows {
		out[r.HexID()] = r
	}
	return out, nil
}

// missingHexIDs reports which ids have no row yet, or a row whose
// status is still db.StatusNew — not-yet-processed counts as missing
// for wait/push purposes even though the row already exists.
func missingHexIDs(hexIDs []string, found map[string]db.Transaction) []string {
	var out []string
	for _, h := range hexIDs {
		tx, ok := found[h]
		if !ok || tx.Status == db.StatusNew {
			out = append(out, h)
		}
	}
	return out
}

// awaitMissing blocks until every id in hexIDs has a row in found,
// subscribing to eventTransactionID for whichever ids are still
// missing and waiting (bounded by ProcessTimeout) for each to arrive.
func (d Deps) awaitMissing(ctx context.Context, msg *protocol.Message, hexIDs []string, found map[string]db.Transaction) error {
	missing := missingHexIDs(hexIDs, found)
	if len(missing) == 0 {
		return nil
	}
	msg.LatencyStart = time.Time{}

	timeout := d.ProcessTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hub := d.Hub.For(eventTransactionID)
	for _, h := range missing {
		ch := make(chan db.Transaction, 1)
		hub.Subscribe(msg.Connection, h, func(data any) {
			if tx, ok := data.(db.Transaction); ok {
				select {
				case ch <- tx:
				default:
				}
			}
		})
		select {
		case tx := <-ch:
			found[h] = tx
			hub.Unsubscribe(msg.Connection, h)
		case <-waitCtx.Done():
			hub.Unsubscribe(msg.Connection, h)
			return apierr.NewClientError(504, "timed out waiting for transaction %s", h)
		}
	}
	return nil
}

// pushMissing arranges for each still-pending id to be pushed, full
// row, as a "transaction" push once its notification arrives.
func (d Deps) pushMissing(msg *protocol.Message, missing []string) {
	hub := d.Hub.For(eventTransactionID)
	for _, h := range missing {
		hub.Subscribe(msg.Connection, h, func(data any) {
			tx, ok := data.(db.Transaction)
			if !ok {
				return
			}
			if err := msg.Responder.Push("transaction", 200, []db.Transaction{tx}); err != nil {
				d.Log.WithError(err).Msg("basics: push transaction failed")
			}
		})
	}
}

// pushStatusMissing is pushMissing's txStatus-shaped counterpart: the
// pushed payload is the {id,status,message} form, still under
// pushType "transaction", matching pushMissing's shape.
func (d Deps) pushStatusMissing(msg *protocol.Message, missing []string) {
	hub := d.Hub.For(eventTransactionID)
	for _, h := range missing {
		hub.Subscribe(msg.Connection, h, func(data any) {
			tx, ok := data.(db.Transaction)
			if !ok {
				return
			}
			if err := msg.Responder.Push("transaction", 200, statusEntry(tx)); err != nil {
				d.Log.WithError(err).Msg("basics: push txStatus failed")
			}
		})
	}
}

func (d Deps) process(ctx context.Context, data *protocol.Data, msg *protocol.Message) (any, error) {
	raw := data.String("base64tx")
	if raw == "" {
		return nil, apierr.NewClientError(400, "base64tx is required")
	}
	tx, err := decodeTransaction(raw)
	if err != nil {
		return nil, apierr.NewClientError(400, "malformed base64tx: %v", err)
	}
	if createTs := data.Int("createTs"); createTs != 0 {
		tx.CreateTs = int64(createTs)
	} else {
		tx.CreateTs = time.Now().Unix()
	}

	if err := d.DB.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			return nil, apierr.NewClientError(400, err.Error())
		}
		return nil, err
	}

	if !data.Bool("wait") {
		status := 202
		msg.StatusOverride = &status
		return map[string]any{"id": tx.HexID()}, nil
	}

	found := map[string]db.Transaction{}
	if err := d.awaitMissing(ctx, msg, []string{tx.HexID()}, found); err != nil {
		return nil, err
	}
	processed := found[tx.HexID()]
	if processed.Status == db.StatusRejected {
		reason := "rejected"
		if processed.Message.Valid {
			reason = processed.Message.String
		}
		return nil, apierr.BusinessReject(reason)
	}
	return nil, nil
}
