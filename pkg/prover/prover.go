// Copyright 2025 zkroll
//
// External prover pull API (spec §6, part of component C8's downstream
// surface). The real proving system is out of scope — this package
// only exposes the two operations an external prover needs (pull the
// next unproven batch's input, push back its proof) plus a dummy-prover
// stand-in that drives the same API locally for spec §8 scenario 6
// ("use-dummy-proofs" mode), so the rest of the pipeline never has to
// know whether proofs are real.
package prover

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zkroll/sequencer/pkg/batcher"
)

// ErrNoBatchReady is returned by NextInput when every sealed batch has
// already been pulled.
var ErrNoBatchReady = errors.New("prover: no batch ready for proving")

// Submission is a completed proof handed back by an external prover (or
// the dummy stand-in) for forwarding to the prove-phase L1 sender.
type Submission struct {
	BatchIndex uint64
	Proof      []byte
}

// PullAPI lets an external prover pull batches in order and submit
// proofs back.
type PullAPI struct {
	mu      sync.Mutex
	batches *batcher.Batcher
	cursor  uint64
	out     chan<- Submission
	logger  *log.Logger
}

// NewPullAPI constructs a pull API over the batcher's sealed batches,
// forwarding completed proofs to out (consumed by the prove-phase L1
// sender).
func NewPullAPI(b *batcher.Batcher, out chan<- Submission) *PullAPI {
	return &PullAPI{
		batches: b,
		out:     out,
		logger:  log.New(os.Stderr, "[prover] ", log.LstdFlags),
	}
}

// NextInput returns the next sealed, not-yet-pulled batch's prover
// input. Each batch is only ever returned once; a prover that fails
// must be retried out of band (spec leaves retry policy to the external
// prover, not this node).
func (p *PullAPI) NextInput(ctx context.Context) (batcher.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch, err := p.batches.GetBatch(p.cursor)
	if err != nil {
		if errors.Is(err, batcher.ErrBatchNotFound) {
			return batcher.Batch{}, ErrNoBatchReady
		}
		return batcher.Batch{}, err
	}
	p.cursor++
	return batch, nil
}

// SubmitProof forwards a completed proof to the prove-phase L1 sender.
func (p *PullAPI) SubmitProof(ctx context.Context, batchIndex uint64, proof []byte) error {
	select {
	case p.out <- Submission{BatchIndex: batchIndex, Proof: proof}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DummyProver drives PullAPI locally, producing a placeholder proof for
// every batch it pulls. It exists for local and test chains running
// with use-dummy-proofs enabled, where no real proving system is
// attached.
type DummyProver struct {
	pull     *PullAPI
	interval time.Duration
	logger   *log.Logger
}

// NewDummyProver constructs a DummyProver that polls for new batches
// every interval.
func NewDummyProver(pull *PullAPI, interval time.Duration) *DummyProver {
	return &DummyProver{
		pull:     pull,
		interval: interval,
		logger:   log.New(os.Stderr, "[dummy-prover] ", log.LstdFlags),
	}
}

// Run polls for sealed batches until ctx is cancelled, submitting a
// fixed-shape placeholder proof for each one it pulls.
func (d *DummyProver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				batch, err := d.pull.NextInput(ctx)
				if err != nil {
					if errors.Is(err, ErrNoBatchReady) {
						break
					}
					d.logger.Printf("pull failed: %v", err)
					break
				}
				proof := dummyProof(batch)
				if err := d.pull.SubmitProof(ctx, batch.Index, proof); err != nil {
					return fmt.Errorf("dummy-prover: submit batch %d: %w", batch.Index, err)
				}
				d.logger.Printf("dummy-proved batch %d", batch.Index)
			}
		}
	}
}

// dummyProof fabricates a fixed, deterministic, non-cryptographic
// placeholder in place of a real proof.
func dummyProof(batch batcher.Batch) []byte {
	proof := make([]byte, 8)
	for i := 0; i < 8; i++ {
		proof[i] = byte(batch.Index >> (8 * uint(i)))
	}
	return proof
}
