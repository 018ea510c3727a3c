// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/verdant/carpool-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory ledger store. Appends are serialized per
// (account, kind) key: the sufficiency check and the write happen under
// a per-key mutex, so concurrent debits on the same key cannot both
// observe the pre-append balance. Different keys do not block each other.
type Memory struct {
	mu          sync.RWMutex // guards the maps, never held across a key lock
	locks       map[key]*sync.Mutex
	entries     map[key][]ledger.Entry
	idempotency map[string]bool
}

type key struct {
	AccountID ledger.AccountID
	Kind      ledger.Kind
}

func NewMemory() *Memory {
	return &Memory{
		locks:       make(map[key]*sync.Mutex),
		entries:     make(map[key][]ledger.Entry),
		idempotency: make(map[string]bool),
	}
}

func (m *Memory) lockFor(k key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Entry) error {
	k := key{AccountID: e.AccountID, Kind: e.Kind}
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	// The key is reserved at check time, in one critical section.
	// Concurrent appends sharing a key but differing in (account, kind)
	// hold different per-key locks, so check-then-set across two
	// sections would let both through.
	m.mu.Lock()
	if e.IdempotencyKey != "" {
		if m.idempotency[e.IdempotencyKey] {
			m.mu.Unlock()
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[e.IdempotencyKey] = true
	}
	existing := m.entries[k]
	m.mu.Unlock()

	if e.Amount.IsNegative() {
		balance := ledger.Sum(existing)
		if balance.Add(e.Amount).IsNegative() {
			m.releaseKey(e.IdempotencyKey)
			return &ledger.InsufficientBalanceError{
				AccountID: e.AccountID,
				Kind:      e.Kind,
				Required:  e.Amount.Neg(),
				Current:   balance,
			}
		}
	}

	m.mu.Lock()
	m.entries[k] = append(m.entries[k], e)
	m.mu.Unlock()
	return nil
}

// releaseKey gives a reserved idempotency key back when the append it
// was reserved for did not write.
func (m *Memory) releaseKey(idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	m.mu.Lock()
	delete(m.idempotency, idempotencyKey)
	m.mu.Unlock()
}

// Entries returns a copy of the log for an (account, kind) pair.
func (m *Memory) Entries(_ context.Context, accountID ledger.AccountID, kind ledger.Kind) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := key{AccountID: accountID, Kind: kind}
	result := make([]ledger.Entry, len(m.entries[k]))
	copy(result, m.entries[k])
	return result, nil
}

// Exists checks if an idempotency key was already written.
func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}
