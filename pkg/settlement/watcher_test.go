package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// connectorStub records settlement notifications the way a connector would.
type connectorStub struct {
	mu       sync.Mutex
	requests []settlementNotification
	keys     []string
	paths    []string
	failures int
}

func (c *connectorStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.failures > 0 {
			c.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var n settlementNotification
		_ = json.NewDecoder(r.Body).Decode(&n)
		c.requests = append(c.requests, n)
		c.keys = append(c.keys, r.Header.Get("Idempotency-Key"))
		c.paths = append(c.paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}
}

func (c *connectorStub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newTestWatcher(t *testing.T, confirmations uint64) (*Watcher, *store.Memory, *ledger.Sim, *connectorStub) {
	t.Helper()
	stub := &connectorStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	sim := ledger.NewSim("0xENGINE", big.NewInt(0))
	n := NewNotifier(srv.URL, "", zap.NewNop())
	w := NewWatcher(st, sim, n, zap.NewNop(), assetScale, 9, confirmations, 0)

	require.NoError(t, st.SaveAccountAddress(context.Background(), "alice", testAddress))
	return w, st, sim, stub
}

func TestCycleDetectsAndNotifies(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 1)

	amount, _ := new(big.Int).SetString("5000000000000000000", 10) // 5 units at scale 18
	hash := sim.Deposit("0xPEER", testAddress, amount)

	require.NoError(t, w.Cycle(ctx))

	require.Equal(t, 1, stub.count())
	assert.Equal(t, "alice", stub.requests[0].AccountID)
	assert.Equal(t, "5000000000", stub.requests[0].Amount) // scale 9
	assert.Equal(t, uint8(9), stub.requests[0].Scale)
	assert.Equal(t, hash, stub.keys[0])
	assert.Equal(t, "/accounts/alice/settlement", stub.paths[0])

	cursor, err := st.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	unnotified, err := st.UnnotifiedIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, unnotified)

	// Nothing new: the next cycle is a no-op.
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 1, stub.count())
}

func TestCycleSkipsUnregisteredAddresses(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 1)

	sim.Deposit("0xPEER", "0x000000000000000000000000000000000000dEaD", big.NewInt(1000))

	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 0, stub.count())

	// The block still counts as processed.
	cursor, err := st.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
}

func TestCycleHonorsConfirmationDepth(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 3)

	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	sim.Deposit("0xPEER", testAddress, amount)

	// One confirmation; depth 3 keeps the block out of reach.
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 0, stub.count())
	cursor, _ := st.Cursor(ctx)
	assert.Equal(t, uint64(0), cursor)

	sim.Mine()
	sim.Mine()
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 1, stub.count())
	cursor, _ = st.Cursor(ctx)
	assert.Equal(t, uint64(1), cursor)
}

func TestScanBlockRerunIsHarmless(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 1)

	amount, _ := new(big.Int).SetString("2000000000000000000", 10)
	sim.Deposit("0xPEER", testAddress, amount)

	require.NoError(t, w.scanBlock(ctx, 1))
	require.NoError(t, w.scanBlock(ctx, 1))

	// Tx-hash dedupe keeps the reconnect-and-rescan path single-shot.
	assert.Equal(t, 1, stub.count())

	unnotified, err := st.UnnotifiedIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, unnotified)
}

func TestCycleRetriesFailedNotification(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 1)
	stub.failures = 1

	amount, _ := new(big.Int).SetString("3000000000000000000", 10)
	hash := sim.Deposit("0xPEER", testAddress, amount)

	// Delivery fails; the transfer is recorded and the cursor still advances.
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 0, stub.count())
	cursor, _ := st.Cursor(ctx)
	assert.Equal(t, uint64(1), cursor)

	unnotified, err := st.UnnotifiedIncoming(ctx)
	require.NoError(t, err)
	require.Len(t, unnotified, 1)
	assert.Equal(t, hash, unnotified[0].TxHash)

	// The next cycle re-delivers with the same idempotency token.
	require.NoError(t, w.Cycle(ctx))
	require.Equal(t, 1, stub.count())
	assert.Equal(t, hash, stub.keys[0])
	assert.Equal(t, "3000000000", stub.requests[0].Amount)

	unnotified, err = st.UnnotifiedIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, unnotified)
}

func TestSubUnitTransfersAccumulateAsDust(t *testing.T) {
	ctx := context.Background()
	w, st, sim, stub := newTestWatcher(t, 1)

	// Half a connector unit: too small to notify, banked instead.
	sim.Deposit("0xPEER", testAddress, big.NewInt(500000000))
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 0, stub.count())

	unnotified, err := st.UnnotifiedIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, unnotified, "sub-unit transfers are settled via the dust bucket")

	// The next deposit tips the bucket over one connector unit.
	sim.Deposit("0xPEER", testAddress, big.NewInt(600000000))
	require.NoError(t, w.Cycle(ctx))
	require.Equal(t, 1, stub.count())
	assert.Equal(t, "1", stub.requests[0].Amount)

	// 0.1 connector units remain banked.
	amt, scale, err := st.TakeUncredited(ctx, "alice"+dustIn)
	require.NoError(t, err)
	assert.Equal(t, "100000000", amt.String())
	assert.Equal(t, uint8(assetScale), scale)
}

// racingStore fails the first cursor advance, as if another instance won.
type racingStore struct {
	store.Store
	raced bool
}

func (r *racingStore) AdvanceCursor(ctx context.Context, from, to uint64) error {
	if !r.raced {
		r.raced = true
		return store.ErrCursorConflict
	}
	return r.Store.AdvanceCursor(ctx, from, to)
}

func TestCycleYieldsWhenCursorMovesElsewhere(t *testing.T) {
	ctx := context.Background()
	stub := &connectorStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	mem := store.NewMemory()
	st := &racingStore{Store: mem}
	sim := ledger.NewSim("0xENGINE", big.NewInt(0))
	w := NewWatcher(st, sim, NewNotifier(srv.URL, "", zap.NewNop()), zap.NewNop(), assetScale, 9, 1, 0)
	require.NoError(t, mem.SaveAccountAddress(ctx, "alice", testAddress))

	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	sim.Deposit("0xPEER", testAddress, amount)
	sim.Deposit("0xPEER", testAddress, amount)

	// The lost race ends the cycle without error and without touching the
	// second block.
	require.NoError(t, w.Cycle(ctx))
	assert.True(t, st.raced)
	cursor, _ := mem.Cursor(ctx)
	assert.Equal(t, uint64(0), cursor)

	// A later cycle picks everything up; dedupe absorbs the re-scan.
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, 2, stub.count())
	cursor, _ = mem.Cursor(ctx)
	assert.Equal(t, uint64(2), cursor)
}
