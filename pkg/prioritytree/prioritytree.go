// Copyright 2025 zkroll
//
// Priority Tree Manager (spec §4.5, component C5). Every node — core
// sequencer or external replica — runs this independently: it mirrors
// the dense, monotonically increasing index of priority transactions
// fed from L1 events into an append-only Merkle tree, and tracks how
// much of that sequence the local block executor has already consumed.
//
// The append-only tree is built on top of the same persistent versioned
// sparse Merkle tree used for state (pkg/merkletree), keyed by dense
// index instead of storage key: appending entry i is exactly
// Extend(height=i, ...), so "latest height" and "highest appended
// index" are the same counter.
package prioritytree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/types"
)

// ErrPriorityIndexSkip is returned by Append when the caller supplies an
// out-of-order dense index (the L1 event feed must be contiguous).
var ErrPriorityIndexSkip = errors.New("prioritytree: index is not the next dense index")

// ErrConsumedPastAppended is returned by MarkConsumed when asked to mark
// an index beyond what has actually been appended.
var ErrConsumedPastAppended = errors.New("prioritytree: cannot consume past the appended tip")

var (
	txPrefix    = []byte("pt:tx:")
	consumedKey = []byte("pt:consumed")
)

// Entry is one priority transaction observed from an L1 event, at its
// assigned dense index.
type Entry struct {
	Index uint64
	Hash  types.Hash
	Raw   []byte
}

// Manager owns the append-only priority tree and the consumption
// cursor.
type Manager struct {
	mu       sync.Mutex
	kv       kvdb.KV
	tree     *merkletree.Tree
	consumed uint64
}

// Open recovers the manager's state: the underlying tree's tip (the
// highest appended index) and the consumption cursor.
func Open(kv kvdb.KV, tree *merkletree.Tree) (*Manager, error) {
	m := &Manager{kv: kv, tree: tree}
	raw, err := kv.Get(consumedKey)
	if err != nil {
		return nil, fmt.Errorf("prioritytree: read consumed cursor: %w", err)
	}
	if raw != nil {
		m.consumed = binary.BigEndian.Uint64(raw)
	}
	return m, nil
}

func indexKey(index uint64) types.Hash {
	var h types.Hash
	binary.BigEndian.PutUint64(h[24:], index)
	return h
}

func txStorageKey(index uint64) []byte {
	key := make([]byte, len(txPrefix)+8)
	copy(key, txPrefix)
	binary.BigEndian.PutUint64(key[len(txPrefix):], index)
	return key
}

func leafValue(raw []byte) types.Hash {
	h := mimc.NewMiMC()
	h.Write(raw)
	sum := h.Sum(nil)
	var out types.Hash
	copy(out[:], sum)
	return out
}

// Append records the next priority transaction in the dense sequence.
// entry.Index must equal the current appended count (0 on an empty
// tree); any gap is rejected so the L1 event feed cannot silently skip
// an index.
func (m *Manager) Append(entry Entry) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextIndex := uint64(0)
	if latest, has := m.tree.Latest(); has {
		nextIndex = latest + 1
	}
	if entry.Index != nextIndex {
		return types.Hash{}, fmt.Errorf("%w: got %d, want %d", ErrPriorityIndexSkip, entry.Index, nextIndex)
	}

	if err := m.kv.Set(txStorageKey(entry.Index), entry.Raw); err != nil {
		return types.Hash{}, fmt.Errorf("prioritytree: persist tx %d: %w", entry.Index, err)
	}

	root, err := m.tree.Extend(entry.Index, []types.StorageUpdate{
		{Key: indexKey(entry.Index), Value: leafValue(entry.Raw)},
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("prioritytree: extend at %d: %w", entry.Index, err)
	}
	return root, nil
}

// NextUnconsumed returns the lowest dense index the local block executor
// has not yet pulled into a produced block.
func (m *Manager) NextUnconsumed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed
}

// MarkConsumed advances the consumption cursor to upTo (exclusive): all
// indices in [0, upTo) are now considered consumed. Calling it with a
// value <= the current cursor is a no-op; calling it beyond the
// appended tip is rejected.
func (m *Manager) MarkConsumed(upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upTo <= m.consumed {
		return nil
	}
	if latest, has := m.tree.Latest(); !has || upTo > latest+1 {
		return fmt.Errorf("%w: upTo=%d", ErrConsumedPastAppended, upTo)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, upTo)
	if err := m.kv.Set(consumedKey, buf); err != nil {
		return fmt.Errorf("prioritytree: persist consumed cursor: %w", err)
	}
	m.consumed = upTo
	return nil
}

// CurrentRoot returns the append-only tree's root as of the last
// appended index.
func (m *Manager) CurrentRoot() types.Hash {
	return m.tree.CurrentRoot()
}

// InclusionProof returns a witness for each index in [from, to) against
// the tree's current root.
func (m *Manager) InclusionProof(from, to uint64) ([]merkletree.Witness, error) {
	latest, has := m.tree.Latest()
	if !has {
		return nil, fmt.Errorf("prioritytree: tree is empty")
	}
	if to > latest+1 {
		return nil, fmt.Errorf("prioritytree: range exceeds appended tip %d", latest)
	}

	keys := make([]types.Hash, 0, to-from)
	for i := from; i < to; i++ {
		keys = append(keys, indexKey(i))
	}
	return m.tree.Prove(latest, keys)
}

// Get returns the raw priority transaction stored at index.
func (m *Manager) Get(index uint64) ([]byte, bool, error) {
	raw, err := m.kv.Get(txStorageKey(index))
	if err != nil {
		return nil, false, fmt.Errorf("prioritytree: get %d: %w", index, err)
	}
	return raw, raw != nil, nil
}
