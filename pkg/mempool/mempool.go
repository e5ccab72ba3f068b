// Copyright 2025 zkroll
//
// Mempool & Priority Feed (spec §4.7, component C7). Holds user
// transactions pending inclusion and pulls the next contiguous run of
// unconsumed priority transactions from the priority tree manager (C5)
// on every Produce. Evicts whatever the executor actually included once
// a block commits.
package mempool

import (
	"sync"

	"github.com/zkroll/sequencer/pkg/prioritytree"
	"github.com/zkroll/sequencer/pkg/types"
)

// Mempool holds pending user transactions and fronts the priority tree
// manager for the dense, contiguous slice of not-yet-consumed priority
// transactions.
type Mempool struct {
	mu       sync.Mutex
	pending  map[types.Hash]types.Transaction
	order    []types.Hash
	priority *prioritytree.Manager
}

// New constructs an empty mempool over the given priority tree manager.
func New(priority *prioritytree.Manager) *Mempool {
	return &Mempool{
		pending:  make(map[types.Hash]types.Transaction),
		priority: priority,
	}
}

// Submit adds a user transaction to the pending set. Re-submitting an
// already-pending hash is a no-op.
func (m *Mempool) Submit(tx types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[tx.Hash]; exists {
		return
	}
	m.pending[tx.Hash] = tx
	m.order = append(m.order, tx.Hash)
}

// PopCandidates returns up to limit priority transactions (always taken
// first, in dense-index order, per the spec's priority-tx-boundary
// sealing rule) followed by up to the remaining budget of pending user
// transactions in submission order. Neither set is evicted here —
// eviction happens once the block that actually included them commits
// (EvictIncluded).
func (m *Mempool) PopCandidates(limit int) (priorityTxs, userTxs []types.Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil, nil
	}

	from := m.priority.NextUnconsumed()
	remaining := limit
	for remaining > 0 {
		raw, ok, gerr := m.priority.Get(from + uint64(len(priorityTxs)))
		if gerr != nil {
			return nil, nil, gerr
		}
		if !ok {
			break
		}
		idx := from + uint64(len(priorityTxs))
		tx := types.Transaction{
			Kind:          types.TxKindPriority,
			Raw:           raw,
			PriorityIndex: idx,
		}
		priorityTxs = append(priorityTxs, tx)
		remaining--
	}

	for _, h := range m.order {
		if remaining <= 0 {
			break
		}
		tx, ok := m.pending[h]
		if !ok {
			continue
		}
		userTxs = append(userTxs, tx)
		remaining--
	}

	return priorityTxs, userTxs, nil
}

// EvictIncluded removes every included user transaction from the
// pending set and advances the priority tree's consumption cursor past
// the highest priority index included, once the block that included
// them has committed.
func (m *Mempool) EvictIncluded(included []types.Transaction) error {
	m.mu.Lock()
	var maxPriority uint64
	var sawPriority bool
	remaining := m.order[:0]
	includedUser := make(map[types.Hash]struct{}, len(included))
	for _, tx := range included {
		switch tx.Kind {
		case types.TxKindUser:
			includedUser[tx.Hash] = struct{}{}
		case types.TxKindPriority:
			if !sawPriority || tx.PriorityIndex > maxPriority {
				maxPriority = tx.PriorityIndex
				sawPriority = true
			}
		}
	}
	for _, h := range m.order {
		if _, done := includedUser[h]; done {
			delete(m.pending, h)
			continue
		}
		remaining = append(remaining, h)
	}
	m.order = remaining
	m.mu.Unlock()

	if sawPriority {
		return m.priority.MarkConsumed(maxPriority + 1)
	}
	return nil
}

// Len returns the number of pending user transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
