package basics

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/validana-io/vserver/internal/db"
)

// wire layout of a submitted transaction, matching the persisted
// columns this core never validates (§2 Non-goals: "no ... transaction
// validation logic lives here" — decoding only reshapes the envelope
// for storage):
//
//	1   byte   version
//	32  bytes  contract hash
//	8   bytes  valid_till (big-endian int64)
//	4   bytes  payload length (big-endian uint32)
//	N   bytes  payload (UTF-8 text)
//	64  bytes  signature
//	33  bytes  public key
const (
	minWireLen = 1 + 32 + 8 + 4 + 0 + 64 + 33
	sigLen     = 64
	pubKeyLen  = 33
)

// decodeTransaction parses a base64tx payload into the row shape
// InsertTransaction persists. The transaction id is the sha256 of the
// decoded envelope, a common id scheme across the example corpus's
// ledger-adjacent services and stable regardless of how upstream
// signers serialise their own fields.
func decodeTransaction(base64tx string) (db.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(base64tx)
	if err != nil {
		return db.Transaction{}, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < minWireLen {
		return db.Transaction{}, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}

	version := int(raw[0])
	offset := 1

	contractHash := append([]byte(nil), raw[offset:offset+32]...)
	offset += 32

	validTill := int64(binary.BigEndian.Uint64(raw[offset : offset+8]))
	offset += 8

	payloadLen := int(binary.BigEndian.Uint32(raw[offset : offset+4]))
	offset += 4

	if len(raw) < offset+payloadLen+sigLen+pubKeyLen {
		return db.Transaction{}, fmt.Errorf("envelope truncated: declared payload length %d exceeds remaining bytes", payloadLen)
	}
	payload := string(raw[offset : offset+payloadLen])
	offset += payloadLen

	signature := append([]byte(nil), raw[offset:offset+sigLen]...)
	offset += sigLen

	publicKey := append([]byte(nil), raw[offset:offset+pubKeyLen]...)

	id := sha256.Sum256(raw)

	return db.Transaction{
		TransactionID: id[:],
		Version:       version,
		ContractHash:  contractHash,
		ValidTill:     validTill,
		Payload:       payload,
		Signature:     signature,
		PublicKey:     publicKey,
		Status:        db.StatusNew,
	}, nil
}
