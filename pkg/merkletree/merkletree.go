// Copyright 2025 zkroll
//
// Persistent versioned sparse Merkle tree (spec §4.4, component C4).
//
// One root per block height. Extend(height, updates) applies a height's
// sorted storage updates on top of the previous version and returns the
// new root; unchanged subtrees are shared structurally since internal
// nodes are stored content-addressed by their own hash (classic
// persistent-tree sharing), so Extend only ever writes O(depth *
// len(updates)) new nodes: one per level on each updated key's path.
//
// Node hashing uses gnark-crypto's MiMC so the resulting roots are
// consumable inside an arithmetic circuit by the external proving
// system (spec §6), unlike a SHA256 tree.
package merkletree

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

// depth is the number of bits in a key (32-byte hash) used as the tree's
// path; level `depth` is the root, level 0 is a leaf value.
const depth = 256

// ErrNotReadyYet is returned by Prove when asked for a height beyond the
// tree's current tip.
var ErrNotReadyYet = errors.New("merkletree: height not ready yet")

// ErrHeightGap is returned by Extend when height is neither already
// applied nor the immediate next height.
var ErrHeightGap = errors.New("merkletree: height is neither applied nor next")

var (
	nodePrefix = []byte("mt:node:")
	rootPrefix = []byte("mt:root:")
	latestKey  = []byte("mt:latest")
)

// emptyHashes[level] is the canonical root of an empty subtree whose
// root sits at `level` (0 = an unset leaf, depth = an entirely empty
// tree).
var emptyHashes [depth + 1]types.Hash

func init() {
	for level := 1; level <= depth; level++ {
		emptyHashes[level] = hashPair(emptyHashes[level-1], emptyHashes[level-1])
	}
}

func hashPair(l, r types.Hash) types.Hash {
	h := mimc.NewMiMC()
	h.Write(l[:])
	h.Write(r[:])
	sum := h.Sum(nil)
	var out types.Hash
	copy(out[:], sum)
	return out
}

// keyBit returns the bit of key at bitIndex (0 = most significant bit,
// 255 = least significant), which selects the left/right branch at the
// corresponding tree level.
func keyBit(key types.Hash, bitIndex int) int {
	b := key[bitIndex/8]
	shift := 7 - uint(bitIndex%8)
	return int((b >> shift) & 1)
}

// Witness is an inclusion proof for one key at a given version: the
// sibling hash at every level from the leaf up to the root.
type Witness struct {
	Key      types.Hash
	Value    types.Hash
	Siblings [depth]types.Hash
}

// Verify recomputes the root from the witness and compares it to root.
func (w Witness) Verify(root types.Hash) bool {
	node := w.Value
	for level := 1; level <= depth; level++ {
		bitIndex := depth - level
		sib := w.Siblings[level-1]
		if keyBit(w.Key, bitIndex) == 0 {
			node = hashPair(node, sib)
		} else {
			node = hashPair(sib, node)
		}
	}
	return node == root
}

type nodePair struct {
	L types.Hash `json:"l"`
	R types.Hash `json:"r"`
}

// Tree is the persistent versioned sparse Merkle tree.
type Tree struct {
	mu          sync.RWMutex
	kv          kvdb.KV
	hasLatest   bool
	latest      uint64
	currentRoot types.Hash
}

// Open recovers the tree's tip (latest height + its root) from storage.
// A fresh tree's "root" before any Extend is the depth-deep empty-subtree
// hash.
func Open(kv kvdb.KV) (*Tree, error) {
	t := &Tree{kv: kv, currentRoot: emptyHashes[depth]}

	raw, err := kv.Get(latestKey)
	if err != nil {
		return nil, fmt.Errorf("merkletree: read latest: %w", err)
	}
	if raw == nil {
		return t, nil
	}
	t.hasLatest = true
	t.latest = binary.BigEndian.Uint64(raw)

	root, err := t.readRoot(t.latest)
	if err != nil {
		return nil, err
	}
	t.currentRoot = root
	return t, nil
}

func rootKey(height uint64) []byte {
	key := make([]byte, len(rootPrefix)+8)
	copy(key, rootPrefix)
	binary.BigEndian.PutUint64(key[len(rootPrefix):], height)
	return key
}

func (t *Tree) readRoot(height uint64) (types.Hash, error) {
	raw, err := t.kv.Get(rootKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("merkletree: read root %d: %w", height, err)
	}
	if raw == nil {
		return types.Hash{}, fmt.Errorf("merkletree: root %d missing", height)
	}
	var h types.Hash
	copy(h[:], raw)
	return h, nil
}

// Latest returns the highest extended height and whether the tree is
// non-empty.
func (t *Tree) Latest() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasLatest
}

// CurrentRoot returns the root as of the latest extended height (the
// depth-deep empty-subtree hash if nothing has been extended yet).
func (t *Tree) CurrentRoot() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRoot
}

// RootAt returns the root recorded for a specific, already-extended
// height.
func (t *Tree) RootAt(height uint64) (types.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasLatest || height > t.latest {
		return types.Hash{}, ErrNotReadyYet
	}
	return t.readRoot(height)
}

func nodeKey(h types.Hash) []byte {
	key := make([]byte, len(nodePrefix)+len(h))
	copy(key, nodePrefix)
	copy(key[len(nodePrefix):], h[:])
	return key
}

// children returns the left/right sub-roots of node at the given level,
// consulting the default table for untouched subtrees.
func (t *Tree) children(node types.Hash, level int) (types.Hash, types.Hash, error) {
	if node == emptyHashes[level] {
		return emptyHashes[level-1], emptyHashes[level-1], nil
	}
	raw, err := t.kv.Get(nodeKey(node))
	if err != nil {
		return types.Hash{}, types.Hash{}, fmt.Errorf("merkletree: read node: %w", err)
	}
	if raw == nil {
		return types.Hash{}, types.Hash{}, fmt.Errorf("merkletree: missing node %x", node)
	}
	var pair nodePair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return types.Hash{}, types.Hash{}, fmt.Errorf("merkletree: decode node: %w", err)
	}
	return pair.L, pair.R, nil
}

func (t *Tree) storeNode(b kvdb.Batch, node, left, right types.Hash, level int) error {
	if node == emptyHashes[level] {
		return nil
	}
	raw, err := json.Marshal(nodePair{L: left, R: right})
	if err != nil {
		return fmt.Errorf("merkletree: encode node: %w", err)
	}
	return b.Set(nodeKey(node), raw)
}

func (t *Tree) insertAt(b kvdb.Batch, node types.Hash, key, value types.Hash, level int) (types.Hash, error) {
	if level == 0 {
		return value, nil
	}
	left, right, err := t.children(node, level)
	if err != nil {
		return types.Hash{}, err
	}
	bitIndex := depth - level
	if keyBit(key, bitIndex) == 0 {
		newLeft, err := t.insertAt(b, left, key, value, level-1)
		if err != nil {
			return types.Hash{}, err
		}
		newNode := hashPair(newLeft, right)
		if err := t.storeNode(b, newNode, newLeft, right, level); err != nil {
			return types.Hash{}, err
		}
		return newNode, nil
	}
	newRight, err := t.insertAt(b, right, key, value, level-1)
	if err != nil {
		return types.Hash{}, err
	}
	newNode := hashPair(left, newRight)
	if err := t.storeNode(b, newNode, left, newRight, level); err != nil {
		return types.Hash{}, err
	}
	return newNode, nil
}

// Extend applies height's storage updates on top of the previous
// version and returns the new root. Updates are sorted into canonical
// key order before insertion so the resulting root is deterministic
// regardless of the caller's iteration order (spec §4.4). Calling
// Extend again for a height <= the current tip is idempotent and
// returns the root already recorded for that height, without touching
// storage.
func (t *Tree) Extend(height uint64, updates []types.StorageUpdate) (types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasLatest && height <= t.latest {
		return t.readRoot(height)
	}
	expected := uint64(0)
	if t.hasLatest {
		expected = t.latest + 1
	}
	if height != expected {
		return types.Hash{}, fmt.Errorf("%w: got %d, want %d", ErrHeightGap, height, expected)
	}

	sorted := make([]types.StorageUpdate, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].Key[:]) < string(sorted[j].Key[:])
	})

	b := t.kv.NewBatch()
	defer b.Close()

	root := t.currentRoot
	for _, u := range sorted {
		var err error
		root, err = t.insertAt(b, root, u.Key, u.Value, depth)
		if err != nil {
			return types.Hash{}, err
		}
	}

	if err := b.Set(rootKey(height), root[:]); err != nil {
		return types.Hash{}, fmt.Errorf("merkletree: stage root: %w", err)
	}
	latestBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(latestBuf, height)
	if err := b.Set(latestKey, latestBuf); err != nil {
		return types.Hash{}, fmt.Errorf("merkletree: stage latest: %w", err)
	}

	if err := b.WriteSync(); err != nil {
		return types.Hash{}, fmt.Errorf("merkletree: commit height %d: %w", height, err)
	}

	t.currentRoot = root
	t.latest = height
	t.hasLatest = true
	return root, nil
}

// Prove returns an inclusion witness for each key as of height. Asking
// for a height beyond the tree's tip returns ErrNotReadyYet rather than
// blocking.
func (t *Tree) Prove(height uint64, keys []types.Hash) ([]Witness, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.hasLatest || height > t.latest {
		return nil, ErrNotReadyYet
	}
	root, err := t.readRoot(height)
	if err != nil {
		return nil, err
	}

	out := make([]Witness, 0, len(keys))
	for _, key := range keys {
		w, err := t.proveOne(root, key)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (t *Tree) proveOne(root, key types.Hash) (Witness, error) {
	w := Witness{Key: key}
	node := root
	for level := depth; level >= 1; level-- {
		left, right, err := t.children(node, level)
		if err != nil {
			return Witness{}, err
		}
		bitIndex := depth - level
		if keyBit(key, bitIndex) == 0 {
			w.Siblings[level-1] = right
			node = left
		} else {
			w.Siblings[level-1] = left
			node = right
		}
	}
	w.Value = node
	return w, nil
}

// Close releases the underlying namespace.
func (t *Tree) Close() error {
	return t.kv.Close()
}
