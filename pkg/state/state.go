// Copyright 2025 zkroll
//
// State Store (spec §4.2, component C2): the sequencer's mirror of
// execution state. Values are opaque 32-byte words (the VM is external
// and pure — see pkg/vm); this package only owns durable storage and the
// atomic, idempotent apply of one block's diff at a time.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

// ErrStateHeightGap is returned by Apply when height is neither already
// applied (<= current version, a no-op) nor the immediate next height
// (version+1).
var ErrStateHeightGap = errors.New("state: height is neither applied nor next")

var (
	valuePrefix    = []byte("state:val:")
	preimagePrefix = []byte("state:pre:")
	versionKey     = []byte("state:version")
)

// Store is the durable key/value mirror of execution state plus its
// preimage side table.
type Store struct {
	mu         sync.RWMutex
	kv         kvdb.KV
	version    uint64
	hasVersion bool
}

// Open recovers the store's version from disk. An empty store has no
// version until the first Apply.
func Open(kv kvdb.KV) (*Store, error) {
	s := &Store{kv: kv}
	raw, err := kv.Get(versionKey)
	if err != nil {
		return nil, fmt.Errorf("state: read version: %w", err)
	}
	if raw != nil {
		s.hasVersion = true
		s.version = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Version returns the height of the last applied diff.
func (s *Store) Version() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.hasVersion
}

func valueKey(key types.Hash) []byte {
	out := make([]byte, len(valuePrefix)+len(key))
	copy(out, valuePrefix)
	copy(out[len(valuePrefix):], key[:])
	return out
}

func preimageKey(h types.Hash) []byte {
	out := make([]byte, len(preimagePrefix)+len(h))
	copy(out, preimagePrefix)
	copy(out[len(preimagePrefix):], h[:])
	return out
}

// Get returns the current value stored at key, if any.
func (s *Store) Get(key types.Hash) (types.Hash, bool, error) {
	raw, err := s.kv.Get(valueKey(key))
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("state: get: %w", err)
	}
	if raw == nil {
		return types.Hash{}, false, nil
	}
	var out types.Hash
	copy(out[:], raw)
	return out, true, nil
}

// PreimageGet returns the original bytes behind a preimage hash recorded
// by a prior Apply.
func (s *Store) PreimageGet(h types.Hash) ([]byte, bool, error) {
	raw, err := s.kv.Get(preimageKey(h))
	if err != nil {
		return nil, false, fmt.Errorf("state: preimage get: %w", err)
	}
	return raw, raw != nil, nil
}

// Apply durably and atomically writes diff's updates and preimages as
// the state transition at height. It is idempotent: if height is
// already applied (<= current version) it is a no-op that returns nil,
// matching "replay re-applies without double counting" (I2). Applying
// any height other than version+1 or an already-applied height is a
// programming error and returns ErrStateHeightGap.
func (s *Store) Apply(height uint64, diff types.StateDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasVersion && height <= s.version {
		return nil
	}
	expected := uint64(0)
	if s.hasVersion {
		expected = s.version + 1
	}
	if height != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrStateHeightGap, height, expected)
	}

	b := s.kv.NewBatch()
	defer b.Close()

	for _, u := range diff.Updates {
		if err := b.Set(valueKey(u.Key), u.Value[:]); err != nil {
			return fmt.Errorf("state: stage update: %w", err)
		}
	}
	for h, raw := range diff.Preimages {
		if err := b.Set(preimageKey(h), raw); err != nil {
			return fmt.Errorf("state: stage preimage: %w", err)
		}
	}
	vbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(vbuf, height)
	if err := b.Set(versionKey, vbuf); err != nil {
		return fmt.Errorf("state: stage version: %w", err)
	}

	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("state: commit height %d: %w", height, err)
	}

	s.version = height
	s.hasVersion = true
	return nil
}

// Close releases the underlying namespace.
func (s *Store) Close() error {
	return s.kv.Close()
}
