// Package ledger abstracts the external settlement rail: submitting value
// transfers, counting confirmations, and scanning blocks for inbound
// transfers. The Ethereum implementation is the only component in the engine
// that holds signing key material.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrSubmission covers transient submission failures (node unreachable,
	// nonce races). Callers retry with backoff.
	ErrSubmission = errors.New("transaction submission failed")

	// ErrInsufficientFunds is permanent for the current attempt; retrying
	// without funding the hot wallet cannot succeed.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTxNotFound means the transaction is not (yet) included in a block.
	ErrTxNotFound = errors.New("transaction not found")
)

// TxRef identifies a submitted transaction on the ledger.
type TxRef string

// Transfer is one plain value transfer observed in a block.
type Transfer struct {
	Hash        string
	From        string
	To          string
	Amount      *big.Int
	BlockHeight uint64
}

// Client is the engine's view of the chain. BlockHeight plus BlockTransfers
// form a restartable block stream: the watcher resumes from any height.
type Client interface {
	// SubmitTransfer signs and submits a transfer of amount (native units)
	// to the given address and returns its tx ref.
	SubmitTransfer(ctx context.Context, to string, amount *big.Int) (TxRef, error)

	// ConfirmationCount returns how many blocks deep the transaction is
	// (1 = included in the head block). ErrTxNotFound until inclusion.
	ConfirmationCount(ctx context.Context, ref TxRef) (uint64, error)

	// BlockHeight returns the current head height.
	BlockHeight(ctx context.Context) (uint64, error)

	// BlockTransfers returns the plain value transfers of one block.
	BlockTransfers(ctx context.Context, height uint64) ([]Transfer, error)

	Close() error
}
