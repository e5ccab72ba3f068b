// Copyright 2025 zkroll
//
// Block Replay WAL (spec §4.1, component C1).
//
// Append-only log of every produced block's *inputs*: enough to
// re-execute it deterministically (block context, ordered tx list, and
// the resulting block hash for cross-check on replay). The WAL has a
// single writer (the block executor) and is read by replay and by peers
// in external-node mode.
//
// Durability is group-committed (spec §5): appends accumulate in a
// pending buffer and are flushed to a durable batch either when the
// buffer reaches CommitCount entries or CommitWindow elapses, whichever
// comes first. Append blocks the caller until its entry is durable,
// matching "blocks are not acknowledged downstream until their WAL
// entry is durable".
package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

// ErrGapInWAL is returned by Append when the requested height is not
// exactly tip+1 (invariant I1: heights form a gap-free prefix [0, tip]).
var ErrGapInWAL = errors.New("wal: height is not tip+1")

// ErrNotFound is returned by Read for a height that was never appended.
var ErrNotFound = errors.New("wal: record not found")

var recordKeyPrefix = []byte("wal:rec:")
var tipKey = []byte("wal:tip")

// Record is the durable, replayable input for one block height.
type Record struct {
	Context   types.BlockContext   `json:"context"`
	Txs       []types.Transaction  `json:"txs"`
	BlockHash types.Hash           `json:"block_hash"`
}

// Config controls the group-commit policy.
type Config struct {
	// CommitWindow is the maximum time a pending append waits before
	// being flushed to disk.
	CommitWindow time.Duration
	// CommitCount is the maximum number of pending appends batched into
	// one fsync.
	CommitCount int
	Logger       *log.Logger
}

func (c Config) withDefaults() Config {
	if c.CommitWindow <= 0 {
		c.CommitWindow = 20 * time.Millisecond
	}
	if c.CommitCount <= 0 {
		c.CommitCount = 32
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[wal] ", log.LstdFlags)
	}
	return c
}

type pendingAppend struct {
	height uint64
	rec    Record
	done   chan error
}

// WAL is the append-only, group-committed block replay log.
type WAL struct {
	mu     sync.Mutex
	kv     kvdb.KV
	hasTip bool
	tip    uint64

	cfg     Config
	pending []pendingAppend
	wake    chan struct{}
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Open recovers the WAL's tip from storage and starts the group-commit
// flusher. On startup, tip() is authoritative (spec §4.1).
func Open(kv kvdb.KV, cfg Config) (*WAL, error) {
	cfg = cfg.withDefaults()
	w := &WAL{
		kv:      kv,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	raw, err := kv.Get(tipKey)
	if err != nil {
		return nil, fmt.Errorf("wal: read tip: %w", err)
	}
	if raw != nil {
		w.hasTip = true
		w.tip = binary.BigEndian.Uint64(raw)
	}

	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

func recordKey(height uint64) []byte {
	key := make([]byte, len(recordKeyPrefix)+8)
	copy(key, recordKeyPrefix)
	binary.BigEndian.PutUint64(key[len(recordKeyPrefix):], height)
	return key
}

// Tip returns the highest appended height and whether the WAL is
// non-empty.
func (w *WAL) Tip() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tip, w.hasTip
}

// Append durably persists rec at height, failing with ErrGapInWAL unless
// height == tip+1 (or height == 0 on an empty WAL). It blocks until the
// entry has been fsync'd as part of a group commit.
func (w *WAL) Append(height uint64, rec Record) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("wal: closed")
	}
	expected := uint64(0)
	if w.hasTip {
		expected = w.tip + 1
	}
	if height != expected {
		w.mu.Unlock()
		return fmt.Errorf("%w: got %d, want %d", ErrGapInWAL, height, expected)
	}

	done := make(chan error, 1)
	w.pending = append(w.pending, pendingAppend{height: height, rec: rec, done: done})
	// Optimistically reserve the height so a concurrent Append sees the
	// right "expected" value before the batch is actually flushed.
	w.hasTip = true
	w.tip = height
	full := len(w.pending) >= w.cfg.CommitCount
	w.mu.Unlock()

	if full {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}

	return <-done
}

// Read returns the record stored at height.
func (w *WAL) Read(height uint64) (Record, error) {
	raw, err := w.kv.Get(recordKey(height))
	if err != nil {
		return Record{}, fmt.Errorf("wal: get %d: %w", height, err)
	}
	if raw == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("wal: decode %d: %w", height, err)
	}
	return rec, nil
}

// Iter streams records from height `from` through the current tip, in
// order.
func (w *WAL) Iter(from uint64) ([]Record, error) {
	tip, has := w.Tip()
	if !has || from > tip {
		return nil, nil
	}
	out := make([]Record, 0, tip-from+1)
	for h := from; h <= tip; h++ {
		rec, err := w.Read(h)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close stops the flusher after draining any pending appends.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.closeCh)
	w.wg.Wait()
	return nil
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CommitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		case <-w.wake:
			w.flush()
		}
	}
}

func (w *WAL) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	b := w.kv.NewBatch()
	defer b.Close()

	var maxHeight uint64
	var sawAny bool
	for _, p := range batch {
		raw, err := json.Marshal(p.rec)
		if err != nil {
			p.done <- fmt.Errorf("wal: encode %d: %w", p.height, err)
			continue
		}
		if err := b.Set(recordKey(p.height), raw); err != nil {
			p.done <- err
			continue
		}
		if !sawAny || p.height > maxHeight {
			maxHeight = p.height
			sawAny = true
		}
	}
	if sawAny {
		tipBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(tipBuf, maxHeight)
		if err := b.Set(tipKey, tipBuf); err != nil {
			for _, p := range batch {
				p.done <- err
			}
			return
		}
	}

	err := b.WriteSync()
	for _, p := range batch {
		p.done <- err
	}
	if err != nil {
		w.cfg.Logger.Printf("group commit failed for %d entries: %v", len(batch), err)
	}
}

// Iterator exposes a cursor-style reader for callers (e.g. the
// external-node replay protocol) that prefer pull-based streaming over a
// materialized slice.
type Iterator struct {
	it   dbm.Iterator
	done bool
}

// NewIterator returns a raw iterator over the record key space starting
// at `from`.
func (w *WAL) NewIterator(from uint64) (*Iterator, error) {
	end := append([]byte(nil), recordKeyPrefix...)
	end[len(end)-1]++
	it, err := w.kv.Iterator(recordKey(from), end)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// Next advances the iterator and decodes the next record, or returns
// done=true when exhausted.
func (it *Iterator) Next() (rec Record, done bool, err error) {
	if it.done || !it.it.Valid() {
		it.done = true
		return Record{}, true, nil
	}
	if err := json.Unmarshal(it.it.Value(), &rec); err != nil {
		return Record{}, false, err
	}
	it.it.Next()
	return rec, false, nil
}

// Close releases the underlying DB iterator.
func (it *Iterator) Close() error {
	if it.it != nil {
		return it.it.Close()
	}
	return nil
}
