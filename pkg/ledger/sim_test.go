package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSubmitTransfer(t *testing.T) {
	ctx := context.Background()
	sim := NewSim("0xENGINE", big.NewInt(1000))

	ref, err := sim.SubmitTransfer(ctx, "0xPEER", big.NewInt(400))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, int64(1), sim.SubmitCount())

	// Included in the head block counts as one confirmation.
	count, err := sim.ConfirmationCount(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	sim.Mine()
	sim.Mine()
	count, err = sim.ConfirmationCount(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestSimInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	sim := NewSim("0xENGINE", big.NewInt(100))

	_, err := sim.SubmitTransfer(ctx, "0xPEER", big.NewInt(101))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(0), sim.SubmitCount())
}

func TestSimFailNextSubmits(t *testing.T) {
	ctx := context.Background()
	sim := NewSim("0xENGINE", big.NewInt(1000))
	sim.FailNextSubmits(2)

	_, err := sim.SubmitTransfer(ctx, "0xPEER", big.NewInt(1))
	assert.ErrorIs(t, err, ErrSubmission)
	_, err = sim.SubmitTransfer(ctx, "0xPEER", big.NewInt(1))
	assert.ErrorIs(t, err, ErrSubmission)

	_, err = sim.SubmitTransfer(ctx, "0xPEER", big.NewInt(1))
	assert.NoError(t, err)
}

func TestSimBlockTransfers(t *testing.T) {
	ctx := context.Background()
	sim := NewSim("0xENGINE", big.NewInt(1000))

	hash := sim.Deposit("0xPEER", "0xENGINE", big.NewInt(250))

	head, err := sim.BlockHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), head)

	transfers, err := sim.BlockTransfers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, hash, transfers[0].Hash)
	assert.Equal(t, "0xPEER", transfers[0].From)
	assert.Equal(t, "0xENGINE", transfers[0].To)
	assert.Equal(t, "250", transfers[0].Amount.String())
	assert.Equal(t, uint64(1), transfers[0].BlockHeight)

	_, err = sim.BlockTransfers(ctx, 2)
	assert.Error(t, err)
}

func TestSimUnknownTx(t *testing.T) {
	sim := NewSim("0xENGINE", big.NewInt(1000))

	_, err := sim.ConfirmationCount(context.Background(), "0xdeadbeef")
	assert.ErrorIs(t, err, ErrTxNotFound)
}
