package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Sim is an in-memory ledger with deterministic, instant block production.
// Every submitted or deposited transfer mines a block of its own, so
// confirmation depth grows one block per event (plus explicit Mine calls).
// It backs the test suite and LEDGER_MODE=sim deployments, and exercises the
// full executor/watcher state machines without real block latency.
type Sim struct {
	mu      sync.Mutex
	height  uint64
	blocks  map[uint64][]Transfer
	balance *big.Int
	from    string

	txBlock *xsync.Map[string, uint64]

	seq         atomic.Uint64
	submits     atomic.Int64
	failSubmits atomic.Int64
}

var _ Client = (*Sim)(nil)

// NewSim creates a simulated ledger with the given own address and starting
// balance for outgoing settlements.
func NewSim(from string, balance *big.Int) *Sim {
	if balance == nil {
		balance = new(big.Int)
	}
	return &Sim{
		blocks:  map[uint64][]Transfer{},
		balance: new(big.Int).Set(balance),
		from:    from,
		txBlock: xsync.NewMap[string, uint64](),
	}
}

// From returns the simulated engine address.
func (s *Sim) From() string { return s.from }

// SubmitCount reports how many transfers were actually submitted. Tests use
// it to assert the at-most-one-submission idempotency property.
func (s *Sim) SubmitCount() int64 { return s.submits.Load() }

// FailNextSubmits makes the next n submissions fail with ErrSubmission.
func (s *Sim) FailNextSubmits(n int64) { s.failSubmits.Store(n) }

func (s *Sim) nextHash() string {
	return fmt.Sprintf("0x%064x", s.seq.Add(1))
}

func (s *Sim) SubmitTransfer(_ context.Context, to string, amount *big.Int) (TxRef, error) {
	if n := s.failSubmits.Load(); n > 0 {
		s.failSubmits.Add(-1)
		return "", fmt.Errorf("%w: simulated node outage", ErrSubmission)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: balance %s below %s", ErrInsufficientFunds, s.balance, amount)
	}
	s.balance.Sub(s.balance, amount)

	hash := s.nextHash()
	s.mine(Transfer{
		Hash:   hash,
		From:   s.from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	s.submits.Add(1)
	return TxRef(hash), nil
}

// Deposit injects an external inbound transfer and mines it, for watcher
// tests and sim-mode demos.
func (s *Sim) Deposit(from, to string, amount *big.Int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := s.nextHash()
	s.mine(Transfer{
		Hash:   hash,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	return hash
}

// Mine appends an empty block, deepening confirmations of earlier transfers.
func (s *Sim) Mine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height++
	s.blocks[s.height] = nil
}

// mine must be called with s.mu held.
func (s *Sim) mine(t Transfer) {
	s.height++
	t.BlockHeight = s.height
	s.blocks[s.height] = []Transfer{t}
	s.txBlock.Store(t.Hash, s.height)
}

func (s *Sim) ConfirmationCount(_ context.Context, ref TxRef) (uint64, error) {
	included, ok := s.txBlock.Load(string(ref))
	if !ok {
		return 0, ErrTxNotFound
	}
	s.mu.Lock()
	head := s.height
	s.mu.Unlock()
	if head < included {
		return 0, nil
	}
	return head - included + 1, nil
}

func (s *Sim) BlockHeight(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *Sim) BlockTransfers(_ context.Context, height uint64) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height == 0 || height > s.height {
		return nil, fmt.Errorf("block %d not found", height)
	}
	src := s.blocks[height]
	out := make([]Transfer, len(src))
	for i, t := range src {
		out[i] = t
		out[i].Amount = new(big.Int).Set(t.Amount)
	}
	return out, nil
}

func (s *Sim) Close() error { return nil }
