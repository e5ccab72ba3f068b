// Copyright 2025 zkroll
//
// Block Executor (spec §4.6, component C6). The single place that
// drives the external VM and fans its result out to every durable
// component in the mandated order: WAL, then State, then Receipts, then
// Merkle Tree, then the downstream channel to the batcher (§5, "ordering
// of writes"). Produce and Replay share this fan-out; they differ only
// in where the block's inputs come from and whether the WAL is written
// to or read from.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/zkroll/sequencer/pkg/mempool"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/state"
	"github.com/zkroll/sequencer/pkg/types"
	"github.com/zkroll/sequencer/pkg/vm"
	"github.com/zkroll/sequencer/pkg/wal"
)

// ReceiptWriter is the fan-out surface the executor needs from the
// receipt repository. The only production implementation is
// *receipts.Repository; the interface boundary lets the durable
// fan-out be exercised without a live Postgres connection.
type ReceiptWriter interface {
	PutBlock(ctx context.Context, height uint64, rs []types.Receipt) error
}

type noopReceiptWriter struct{}

func (noopReceiptWriter) PutBlock(context.Context, uint64, []types.Receipt) error { return nil }

// NewNoopReceiptWriter returns a ReceiptWriter that discards every
// block's receipts. It exists so the executor can be wired and run
// with receipts storage disabled (no DATABASE_URL configured) instead
// of being handed a nil *receipts.Repository, matching the
// vm.NewNoop() pattern used when no real VM is plugged in.
func NewNoopReceiptWriter() ReceiptWriter { return noopReceiptWriter{} }

// ErrDeterminismViolation is reported fatally when Replay recomputes a
// block hash that does not match the hash originally recorded for that
// height (I-P2). It is never returned for a caller to retry against —
// the node cannot safely continue once this fires.
var ErrDeterminismViolation = errors.New("executor: replay produced a different block hash")

// Executor drives block production and replay.
type Executor struct {
	wal      *wal.WAL
	state    *state.Store
	receipts ReceiptWriter
	tree     *merkletree.Tree
	mempool  *mempool.Mempool
	execute  vm.Execute
	logger   *log.Logger

	// downstream receives every produced or replayed block, in height
	// order, for the batcher (C8) to segment into batches. Sending is
	// the executor's backpressure point: a full channel blocks Produce.
	downstream chan<- types.Block

	// fatal receives unrecoverable errors (determinism violations,
	// storage failures during the durable fan-out) for the pipeline
	// fabric to surface as a shutdown trigger.
	fatal chan<- error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New constructs an Executor wired to its durable components, the
// external VM, the downstream batcher channel, and the fatal-error
// channel.
func New(w *wal.WAL, s *state.Store, r ReceiptWriter, t *merkletree.Tree, mp *mempool.Mempool,
	exec vm.Execute, downstream chan<- types.Block, fatal chan<- error, opts ...Option) *Executor {
	e := &Executor{
		wal:        w,
		state:      s,
		receipts:   r,
		tree:       t,
		mempool:    mp,
		execute:    exec,
		downstream: downstream,
		fatal:      fatal,
		logger:     log.New(os.Stderr, "[executor] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type stateView struct {
	store *state.Store
}

func (v *stateView) Get(key types.Hash) (types.Hash, bool, error) {
	return v.store.Get(key)
}

func (v *stateView) PreimageGet(hash types.Hash) ([]byte, bool, error) {
	return v.store.PreimageGet(hash)
}

// Produce executes a new block at the next WAL height, pulling
// candidate transactions from the mempool (priority transactions first,
// per the priority-tx-boundary rule enforced by the batcher rather than
// here), and durably commits it before returning.
func (e *Executor) Produce(ctx context.Context, blockCtx types.BlockContext, maxTxs int) (types.Block, error) {
	priorityTxs, userTxs, err := e.mempool.PopCandidates(maxTxs)
	if err != nil {
		return types.Block{}, fmt.Errorf("executor: pop candidates: %w", err)
	}
	txs := make([]types.Transaction, 0, len(priorityTxs)+len(userTxs))
	txs = append(txs, priorityTxs...)
	txs = append(txs, userTxs...)

	block, err := e.run(ctx, blockCtx, txs, nil)
	if err != nil {
		return types.Block{}, err
	}

	if err := e.mempool.EvictIncluded(txs); err != nil {
		return types.Block{}, fmt.Errorf("executor: evict included: %w", err)
	}
	return block, nil
}

// Replay re-executes the block recorded at height in the WAL and
// verifies the recomputed hash matches what was recorded, fatally
// reporting any mismatch.
func (e *Executor) Replay(ctx context.Context, height uint64) (types.Block, error) {
	rec, err := e.wal.Read(height)
	if err != nil {
		return types.Block{}, fmt.Errorf("executor: read wal %d: %w", height, err)
	}
	return e.run(ctx, rec.Context, rec.Txs, &rec.BlockHash)
}

// run executes txs against current state and fans the result out in the
// mandated order. If expectedHash is non-nil (replay), the WAL is not
// written and the recomputed hash must match it exactly.
func (e *Executor) run(ctx context.Context, blockCtx types.BlockContext, txs []types.Transaction, expectedHash *types.Hash) (types.Block, error) {
	view := &stateView{store: e.state}
	result, err := e.execute(ctx, blockCtx, view, txs)
	if err != nil {
		return types.Block{}, fmt.Errorf("executor: vm execute height %d: %w", blockCtx.Height, err)
	}

	diff := canonicalizeDiff(result.Diff)
	blockHash := computeBlockHash(blockCtx, txs, result.GasUsed, diff)

	if expectedHash != nil && blockHash != *expectedHash {
		derr := fmt.Errorf("%w: height %d", ErrDeterminismViolation, blockCtx.Height)
		e.reportFatal(derr)
		return types.Block{}, derr
	}

	if expectedHash == nil {
		if err := e.wal.Append(blockCtx.Height, wal.Record{Context: blockCtx, Txs: txs, BlockHash: blockHash}); err != nil {
			e.reportFatal(fmt.Errorf("executor: wal append height %d: %w", blockCtx.Height, err))
			return types.Block{}, err
		}
	}

	if err := e.state.Apply(blockCtx.Height, diff); err != nil {
		e.reportFatal(fmt.Errorf("executor: state apply height %d: %w", blockCtx.Height, err))
		return types.Block{}, err
	}

	if err := e.receipts.PutBlock(ctx, blockCtx.Height, result.Receipts); err != nil {
		e.reportFatal(fmt.Errorf("executor: receipts put height %d: %w", blockCtx.Height, err))
		return types.Block{}, err
	}

	if _, err := e.tree.Extend(blockCtx.Height, diff.Updates); err != nil {
		e.reportFatal(fmt.Errorf("executor: merkle extend height %d: %w", blockCtx.Height, err))
		return types.Block{}, err
	}

	block := types.Block{
		Context:         blockCtx,
		Txs:             txs,
		Receipts:        result.Receipts,
		GasUsed:         result.GasUsed,
		StateDiffDigest: digestDiff(diff),
		TouchedKeys:     touchedKeys(diff),
		Hash:            blockHash,
	}

	select {
	case e.downstream <- block:
	case <-ctx.Done():
		return types.Block{}, ctx.Err()
	}

	return block, nil
}

func (e *Executor) reportFatal(err error) {
	e.logger.Printf("fatal: %v", err)
	select {
	case e.fatal <- err:
	default:
	}
}

// canonicalizeDiff sorts a diff's updates into canonical key order so
// hashing and Merkle extension are deterministic regardless of the VM's
// internal iteration order.
func canonicalizeDiff(d types.StateDiff) types.StateDiff {
	out := types.StateDiff{
		Updates:   make([]types.StorageUpdate, len(d.Updates)),
		Preimages: d.Preimages,
	}
	copy(out.Updates, d.Updates)
	sort.Slice(out.Updates, func(i, j int) bool {
		return string(out.Updates[i].Key[:]) < string(out.Updates[j].Key[:])
	})
	return out
}

// touchedKeys extracts a block's written storage keys in the diff's
// already-canonical order, for the batcher to request Merkle witnesses
// against at seal time.
func touchedKeys(d types.StateDiff) []types.Hash {
	if len(d.Updates) == 0 {
		return nil
	}
	keys := make([]types.Hash, len(d.Updates))
	for i, u := range d.Updates {
		keys[i] = u.Key
	}
	return keys
}

func digestDiff(d types.StateDiff) types.Hash {
	h := sha256.New()
	for _, u := range d.Updates {
		h.Write(u.Key[:])
		h.Write(u.Value[:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func computeBlockHash(ctx types.BlockContext, txs []types.Transaction, gasUsed uint64, diff types.StateDiff) types.Hash {
	h := sha256.New()
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], ctx.Height)
	h.Write(heightBuf[:])
	h.Write(ctx.ParentHash[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ctx.Timestamp.UnixNano()))
	h.Write(tsBuf[:])
	h.Write(ctx.ProducerConfig)
	for _, tx := range txs {
		h.Write(tx.Hash[:])
	}
	var gasBuf [8]byte
	binary.BigEndian.PutUint64(gasBuf[:], gasUsed)
	h.Write(gasBuf[:])
	digest := digestDiff(diff)
	h.Write(digest[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
