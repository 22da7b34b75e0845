// Package store owns every piece of state the engine persists: account
// address mappings, outgoing settlement records, incoming transfer records,
// the watch cursor, and uncredited dust. Components never share memory; they
// coordinate exclusively through this contract, so restarts and horizontal
// scaling are safe by construction.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotFound indicates a missing account, settlement, or transfer.
	ErrNotFound = errors.New("not found")

	// ErrAddressConflict indicates an attempt to re-register an account with
	// a different settlement address. Mappings are first-write-wins.
	ErrAddressConflict = errors.New("account already registered with a different address")

	// ErrCursorConflict indicates a lost compare-and-set race on the watch
	// cursor, or an attempted rewind.
	ErrCursorConflict = errors.New("watch cursor advanced concurrently")
)

// SettlementState is the lifecycle state of an outgoing settlement.
type SettlementState string

const (
	StatePending   SettlementState = "pending"
	StateSubmitted SettlementState = "submitted"
	StateConfirmed SettlementState = "confirmed"
	StateFailed    SettlementState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SettlementState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// SettlementRecord tracks one outgoing settlement from request to finality.
// Records are never deleted; terminal records serve audit and idempotent
// replay.
type SettlementRecord struct {
	IdempotencyKey    string          `json:"idempotency_key"`
	AccountID         string          `json:"account_id"`
	Amount            string          `json:"amount"`
	Scale             uint8           `json:"scale"`
	NativeAmount      string          `json:"native_amount,omitempty"`
	InputHash         string          `json:"input_hash,omitempty"`
	State             SettlementState `json:"state"`
	TxRef             string          `json:"tx_ref,omitempty"`
	ConfirmationsSeen uint64          `json:"confirmations_seen"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing store
// internals.
func (r *SettlementRecord) Clone() *SettlementRecord {
	cp := *r
	return &cp
}

// IncomingTransfer is one observed inbound ledger transfer to a registered
// address. The tx hash is the idempotency boundary; only the Notified flag
// ever mutates after creation.
type IncomingTransfer struct {
	TxHash       string    `json:"tx_hash"`
	AccountID    string    `json:"account_id"`
	FromAddress  string    `json:"from_address"`
	ToAddress    string    `json:"to_address"`
	AmountNative string    `json:"amount_native"`
	BlockHeight  uint64    `json:"block_height"`
	Notified     bool      `json:"notified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy of the transfer record.
func (t *IncomingTransfer) Clone() *IncomingTransfer {
	cp := *t
	return &cp
}

// Store is the persistence contract shared by the HTTP surface, the outgoing
// executor, and the incoming watcher. Writes acknowledged by any method are
// durable before it returns.
type Store interface {
	// SaveAccountAddress persists the account -> address mapping.
	// First write wins; an identical re-registration is a no-op and a
	// different address fails with ErrAddressConflict.
	SaveAccountAddress(ctx context.Context, accountID, address string) error

	// AccountAddress returns the settlement address for an account.
	AccountAddress(ctx context.Context, accountID string) (string, error)

	// AccountForAddress resolves an on-chain address back to an account id.
	// When several accounts share one address the lexically smallest account
	// id wins, deterministically.
	AccountForAddress(ctx context.Context, address string) (string, error)

	// CreateSettlement atomically creates rec unless a record already exists
	// under its idempotency key. Returns the authoritative record and whether
	// this call created it.
	CreateSettlement(ctx context.Context, rec *SettlementRecord) (*SettlementRecord, bool, error)

	// UpdateSettlement overwrites the record and maintains the open-record
	// index used by the confirmation poller.
	UpdateSettlement(ctx context.Context, rec *SettlementRecord) error

	// Settlement returns the record for an idempotency key.
	Settlement(ctx context.Context, idempotencyKey string) (*SettlementRecord, error)

	// OpenSettlements returns all records in a non-terminal state.
	OpenSettlements(ctx context.Context) ([]*SettlementRecord, error)

	// RecordIncoming persists an incoming transfer keyed by tx hash.
	// Returns false without modifying anything when the hash is known.
	RecordIncoming(ctx context.Context, t *IncomingTransfer) (bool, error)

	// MarkNotified flips the Notified flag after the connector acknowledged.
	MarkNotified(ctx context.Context, txHash string) error

	// UnnotifiedIncoming returns transfers still awaiting connector
	// acknowledgement.
	UnnotifiedIncoming(ctx context.Context) ([]*IncomingTransfer, error)

	// Cursor returns the last fully processed block height.
	Cursor(ctx context.Context) (uint64, error)

	// AdvanceCursor moves the cursor from -> to with compare-and-set
	// semantics. The cursor never rewinds.
	AdvanceCursor(ctx context.Context, from, to uint64) error

	// AddUncredited accumulates conversion dust for an account. Amounts at
	// differing scales are merged losslessly.
	AddUncredited(ctx context.Context, accountID string, amount *big.Int, scale uint8) error

	// TakeUncredited atomically removes and returns the accumulated dust.
	// A zero amount is returned when nothing is pending.
	TakeUncredited(ctx context.Context, accountID string) (*big.Int, uint8, error)

	// ClaimSubmission takes a leased, exclusive claim on an idempotency key
	// before any ledger submission, so engine instances sharing one store
	// cannot both submit it. Returns false while another holder's lease is
	// live; an unreleased lease expires after ttl.
	ClaimSubmission(ctx context.Context, idempotencyKey string, ttl time.Duration) (bool, error)

	// ReleaseSubmission drops the claim once the submission attempt has
	// settled the record's state.
	ReleaseSubmission(ctx context.Context, idempotencyKey string) error

	Ping(ctx context.Context) error
	Close() error
}
