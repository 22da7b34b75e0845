package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/meridian-pay/settlex/pkg/convert"
)

// Memory is an in-process Store with the same semantics as the Redis
// implementation. It backs tests and local development (STORE_MODE=memory);
// production deployments use Redis.
type Memory struct {
	mu sync.Mutex

	accounts    map[string]string
	byAddress   map[string]map[string]struct{}
	settlements map[string]*SettlementRecord
	open        map[string]struct{}
	incoming    map[string]*IncomingTransfer
	unnotified  map[string]struct{}
	uncredited  map[string]convert.Scaled
	claims      map[string]time.Time
	cursor      uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:    map[string]string{},
		byAddress:   map[string]map[string]struct{}{},
		settlements: map[string]*SettlementRecord{},
		open:        map[string]struct{}{},
		incoming:    map[string]*IncomingTransfer{},
		unnotified:  map[string]struct{}{},
		uncredited:  map[string]convert.Scaled{},
		claims:      map[string]time.Time{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SaveAccountAddress(_ context.Context, accountID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[accountID]; ok {
		if existing == address {
			return nil
		}
		return ErrAddressConflict
	}
	m.accounts[accountID] = address
	if m.byAddress[address] == nil {
		m.byAddress[address] = map[string]struct{}{}
	}
	m.byAddress[address][accountID] = struct{}{}
	return nil
}

func (m *Memory) AccountAddress(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.accounts[accountID]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

func (m *Memory) AccountForAddress(_ context.Context, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byAddress[address]
	if !ok || len(set) == 0 {
		return "", ErrNotFound
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], nil
}

func (m *Memory) CreateSettlement(_ context.Context, rec *SettlementRecord) (*SettlementRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settlements[rec.IdempotencyKey]; ok {
		return existing.Clone(), false, nil
	}
	m.settlements[rec.IdempotencyKey] = rec.Clone()
	if !rec.State.Terminal() {
		m.open[rec.IdempotencyKey] = struct{}{}
	}
	return rec.Clone(), true, nil
}

func (m *Memory) UpdateSettlement(_ context.Context, rec *SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settlements[rec.IdempotencyKey] = rec.Clone()
	if rec.State.Terminal() {
		delete(m.open, rec.IdempotencyKey)
	} else {
		m.open[rec.IdempotencyKey] = struct{}{}
	}
	return nil
}

func (m *Memory) Settlement(_ context.Context, idempotencyKey string) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.settlements[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) OpenSettlements(_ context.Context) ([]*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SettlementRecord, 0, len(m.open))
	for key := range m.open {
		if rec, ok := m.settlements[key]; ok {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out, nil
}

func (m *Memory) RecordIncoming(_ context.Context, t *IncomingTransfer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.incoming[t.TxHash]; ok {
		return false, nil
	}
	m.incoming[t.TxHash] = t.Clone()
	if !t.Notified {
		m.unnotified[t.TxHash] = struct{}{}
	}
	return true, nil
}

func (m *Memory) MarkNotified(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.incoming[txHash]
	if !ok {
		return ErrNotFound
	}
	t.Notified = true
	delete(m.unnotified, txHash)
	return nil
}

func (m *Memory) UnnotifiedIncoming(_ context.Context) ([]*IncomingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*IncomingTransfer, 0, len(m.unnotified))
	for hash := range m.unnotified {
		if t, ok := m.incoming[hash]; ok {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockHeight < out[j].BlockHeight })
	return out, nil
}

func (m *Memory) Cursor(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *Memory) AdvanceCursor(_ context.Context, from, to uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor != from || to < from {
		return ErrCursorConflict
	}
	m.cursor = to
	return nil
}

func (m *Memory) AddUncredited(_ context.Context, accountID string, amount *big.Int, scale uint8) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := convert.Merge(m.uncredited[accountID], convert.Scaled{Amount: amount, Scale: scale})
	if err != nil {
		return err
	}
	m.uncredited[accountID] = merged
	return nil
}

func (m *Memory) TakeUncredited(_ context.Context, accountID string) (*big.Int, uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.uncredited[accountID]
	if !ok || s.Amount == nil {
		return new(big.Int), 0, nil
	}
	delete(m.uncredited, accountID)
	return s.Amount, s.Scale, nil
}

func (m *Memory) ClaimSubmission(_ context.Context, idempotencyKey string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.claims[idempotencyKey]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.claims[idempotencyKey] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseSubmission(_ context.Context, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, idempotencyKey)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
