// Copyright 2025 zkroll
//
// Batcher (spec §4.8, component C8). Segments the executor's block
// stream into proof-sized batches and generates each batch's prover
// input. A batch is sealed when any of its sealing policy thresholds
// trip: block count, estimated prover-input size, a wall-clock deadline
// since the batch opened, or — taking priority over the others — a
// priority-tx boundary, which seals immediately after a block
// containing priority transactions so batches never split a contiguous
// run of priority inclusions across an L1 attestation boundary.
package batcher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

// Tracer generates a batch's prover input from its blocks. The only
// production implementation is *zkrunner.Runner; the interface boundary
// lets the sealing policy be exercised without the zkVM's RISC-V
// program and runtime wired in.
type Tracer interface {
	Trace(ctx context.Context, blocks []types.Block) ([]byte, error)
}

var (
	batchPrefix   = []byte("batcher:batch:")
	nextIndexKey  = []byte("batcher:next_index")
	lastHeightKey = []byte("batcher:last_height")
)

// ErrBatchNotFound is returned by GetBatch for an unknown index.
var ErrBatchNotFound = errors.New("batcher: batch not found")

// ErrOutOfOrder is returned by AddBlock when the given block is not the
// height the batcher expects next.
var ErrOutOfOrder = errors.New("batcher: block is not the next expected height")

// Batch is a sealed, proof-sized segment of consecutive blocks plus its
// generated prover input. Status advances strictly through the
// four-phase lifecycle (I6) as the L1 senders (C9) confirm each phase.
type Batch struct {
	ID               uuid.UUID         `json:"id"`
	Index            uint64            `json:"index"`
	FromHeight       uint64            `json:"from_height"`
	ToHeight         uint64            `json:"to_height"`
	Status           types.BatchStatus `json:"status"`
	ProverInput      []byte            `json:"prover_input"`
	SealedAt         time.Time         `json:"sealed_at"`
	PriorityBoundary bool              `json:"priority_boundary"`

	// HasPriorityTxs, PriorityFrom and PriorityTo (exclusive) describe
	// the dense priority-tx index range this batch's blocks consumed,
	// if any, so the execute-phase L1 sender knows which inclusion
	// proof to attach (spec §4.9).
	HasPriorityTxs bool   `json:"has_priority_txs"`
	PriorityFrom   uint64 `json:"priority_from"`
	PriorityTo     uint64 `json:"priority_to"`
}

// Config is the batcher's sealing policy.
type Config struct {
	MaxBlocks     int
	MaxWordBudget int
	SealDeadline  time.Duration
	Logger        *log.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 64
	}
	if c.MaxWordBudget <= 0 {
		c.MaxWordBudget = 4 << 20
	}
	if c.SealDeadline <= 0 {
		c.SealDeadline = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[batcher] ", log.LstdFlags)
	}
	return c
}

// Batcher segments a block stream into sealed batches.
type Batcher struct {
	mu     sync.Mutex
	kv     kvdb.KV
	cfg    Config
	runner Tracer
	cron   *cron.Cron

	nextIndex     uint64
	lastHeight    uint64
	hasLastHeight bool

	pendingBlocks       []types.Block
	pendingWordEstimate int
	openedAt            time.Time

	safeHeight    uint64
	hasSafeHeight bool

	out chan<- Batch
}

// Open recovers the batcher's resume point — the "skip-to-first-
// uncommitted" rule: it resumes folding blocks starting right after the
// last one that was already sealed into a batch, regardless of that
// batch's L1 commit/prove/execute status, since re-sealing an already
// sealed range would duplicate prover input for blocks L1 may already
// be processing.
func Open(kv kvdb.KV, runner Tracer, cfg Config, out chan<- Batch) (*Batcher, error) {
	cfg = cfg.withDefaults()
	b := &Batcher{kv: kv, cfg: cfg, runner: runner, out: out, cron: cron.New()}

	raw, err := kv.Get(nextIndexKey)
	if err != nil {
		return nil, fmt.Errorf("batcher: read next index: %w", err)
	}
	if raw != nil {
		b.nextIndex = binary.BigEndian.Uint64(raw)
	}

	raw, err = kv.Get(lastHeightKey)
	if err != nil {
		return nil, fmt.Errorf("batcher: read last height: %w", err)
	}
	if raw != nil {
		b.hasLastHeight = true
		b.lastHeight = binary.BigEndian.Uint64(raw)
	}

	if _, err := b.cron.AddFunc("@every 1s", b.checkDeadline); err != nil {
		return nil, fmt.Errorf("batcher: schedule deadline check: %w", err)
	}
	b.cron.Start()
	return b, nil
}

// Close stops the deadline scheduler.
func (b *Batcher) Close() {
	<-b.cron.Stop().Done()
}

// NextExpectedHeight returns the height AddBlock expects next.
func (b *Batcher) NextExpectedHeight() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpectedHeightLocked()
}

func (b *Batcher) nextExpectedHeightLocked() uint64 {
	if !b.hasLastHeight {
		return 0
	}
	return b.lastHeight + 1
}

// AddBlock folds a block into the open batch, sealing it when the
// sealing policy trips.
func (b *Batcher) AddBlock(ctx context.Context, block types.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	expected := b.nextExpectedHeightLocked()
	if block.Height() != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, block.Height(), expected)
	}

	if len(b.pendingBlocks) == 0 {
		b.openedAt = time.Now()
	}
	b.pendingBlocks = append(b.pendingBlocks, block)
	b.pendingWordEstimate += estimateWords(block)
	b.lastHeight = block.Height()
	b.hasLastHeight = true

	priorityBoundary := blockHasPriorityTx(block)
	overCount := len(b.pendingBlocks) >= b.cfg.MaxBlocks
	overWords := b.pendingWordEstimate >= b.cfg.MaxWordBudget

	if priorityBoundary || overCount || overWords {
		return b.sealLocked(ctx, priorityBoundary)
	}
	return nil
}

func (b *Batcher) checkDeadline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pendingBlocks) == 0 {
		return
	}
	if time.Since(b.openedAt) < b.cfg.SealDeadline {
		return
	}
	if err := b.sealLocked(context.Background(), false); err != nil {
		b.cfg.Logger.Printf("deadline seal failed: %v", err)
	}
}

func (b *Batcher) sealLocked(ctx context.Context, priorityBoundary bool) error {
	if len(b.pendingBlocks) == 0 {
		return nil
	}

	fromHeight := b.pendingBlocks[0].Height()
	toHeight := b.pendingBlocks[len(b.pendingBlocks)-1].Height()

	proverInput, err := b.runner.Trace(ctx, b.pendingBlocks)
	if err != nil {
		return fmt.Errorf("batcher: prover input for [%d,%d]: %w", fromHeight, toHeight, err)
	}

	hasPriority, priorityFrom, priorityTo := priorityRange(b.pendingBlocks)

	batch := Batch{
		ID:               uuid.New(),
		Index:            b.nextIndex,
		FromHeight:       fromHeight,
		ToHeight:         toHeight,
		Status:           types.BatchStatusSealed,
		ProverInput:      proverInput,
		SealedAt:         time.Now(),
		PriorityBoundary: priorityBoundary,
		HasPriorityTxs:   hasPriority,
		PriorityFrom:     priorityFrom,
		PriorityTo:       priorityTo,
	}

	if err := b.persistLocked(batch); err != nil {
		return err
	}

	b.pendingBlocks = nil
	b.pendingWordEstimate = 0
	b.nextIndex++
	b.cfg.Logger.Printf("sealed batch %d: heights [%d,%d], %d bytes prover input, priority_boundary=%v",
		batch.Index, batch.FromHeight, batch.ToHeight, len(batch.ProverInput), batch.PriorityBoundary)

	select {
	case b.out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *Batcher) persistLocked(batch Batch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("batcher: encode batch %d: %w", batch.Index, err)
	}

	wb := b.kv.NewBatch()
	defer wb.Close()

	if err := wb.Set(batchKey(batch.Index), raw); err != nil {
		return err
	}
	nextBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(nextBuf, batch.Index+1)
	if err := wb.Set(nextIndexKey, nextBuf); err != nil {
		return err
	}
	heightBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBuf, batch.ToHeight)
	if err := wb.Set(lastHeightKey, heightBuf); err != nil {
		return err
	}
	return wb.WriteSync()
}

func batchKey(index uint64) []byte {
	key := make([]byte, len(batchPrefix)+8)
	copy(key, batchPrefix)
	binary.BigEndian.PutUint64(key[len(batchPrefix):], index)
	return key
}

// GetBatch returns a sealed batch by index, for the prover pull API and
// the L1 senders.
func (b *Batcher) GetBatch(index uint64) (Batch, error) {
	raw, err := b.kv.Get(batchKey(index))
	if err != nil {
		return Batch{}, fmt.Errorf("batcher: get batch %d: %w", index, err)
	}
	if raw == nil {
		return Batch{}, fmt.Errorf("%w: %d", ErrBatchNotFound, index)
	}
	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return Batch{}, fmt.Errorf("batcher: decode batch %d: %w", index, err)
	}
	return batch, nil
}

// SetStatus advances a batch's lifecycle status. Callers (the L1
// senders) are responsible for only ever moving it forward.
func (b *Batcher) SetStatus(index uint64, status types.BatchStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, err := b.GetBatch(index)
	if err != nil {
		return err
	}
	batch.Status = status
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("batcher: encode batch %d: %w", index, err)
	}
	if err := b.kv.Set(batchKey(index), raw); err != nil {
		return fmt.Errorf("batcher: persist status for batch %d: %w", index, err)
	}

	if status >= types.BatchStatusCommitted && (!b.hasSafeHeight || batch.ToHeight > b.safeHeight) {
		b.safeHeight = batch.ToHeight
		b.hasSafeHeight = true
	}
	return nil
}

// SafeHeight returns the highest block height covered by a batch that has
// reached at least Committed status — the "safe" block tag (spec §6):
// a height is only safe once its batch's state root has landed on L1.
func (b *Batcher) SafeHeight() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.safeHeight, b.hasSafeHeight
}

func estimateWords(block types.Block) int {
	n := 3 // height + parent hash words + tx count
	for _, tx := range block.Txs {
		n += 1 + (len(tx.Raw)+3)/4
	}
	return n
}

func blockHasPriorityTx(block types.Block) bool {
	for _, tx := range block.Txs {
		if tx.Kind == types.TxKindPriority {
			return true
		}
	}
	return false
}

// priorityRange scans blocks for the dense priority-tx index range they
// consumed, if any.
func priorityRange(blocks []types.Block) (has bool, from, to uint64) {
	for _, block := range blocks {
		for _, tx := range block.Txs {
			if tx.Kind != types.TxKindPriority {
				continue
			}
			if !has || tx.PriorityIndex < from {
				from = tx.PriorityIndex
			}
			if !has || tx.PriorityIndex+1 > to {
				to = tx.PriorityIndex + 1
			}
			has = true
		}
	}
	return has, from, to
}
