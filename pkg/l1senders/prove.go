// Copyright 2025 zkroll
package l1senders

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/l1client"
	"github.com/zkroll/sequencer/pkg/prover"
	"github.com/zkroll/sequencer/pkg/types"
)

// ProveSender submits each committed batch's proof to L1 in batch-index
// order, then advances the batch to Proven and forwards it to the
// execute phase. Committed batches and their proofs arrive on two
// independent channels and are not guaranteed to pair up in order, so
// ProveSender queues committed batches and holds proofs until the one
// at the head of the queue is available.
type ProveSender struct {
	client    *l1client.Client
	batches   *batcher.Batcher
	policy    RetryPolicy
	committed <-chan batcher.Batch
	proofs    <-chan prover.Submission
	out       chan<- batcher.Batch
	logger    *log.Logger

	mu            sync.Mutex
	pendingProofs map[uint64][]byte
	queue         []batcher.Batch
}

// NewProveSender constructs a ProveSender over the commit phase's output
// and the prover pull API's proof submissions.
func NewProveSender(client *l1client.Client, batches *batcher.Batcher,
	committed <-chan batcher.Batch, proofs <-chan prover.Submission, out chan<- batcher.Batch, policy RetryPolicy) *ProveSender {
	return &ProveSender{
		client:        client,
		batches:       batches,
		policy:        policy,
		committed:     committed,
		proofs:        proofs,
		out:           out,
		pendingProofs: make(map[uint64][]byte),
		logger:        log.New(os.Stderr, "[prove-sender] ", log.LstdFlags),
	}
}

// Run processes committed batches and incoming proofs until ctx is
// cancelled or both input channels are closed.
func (s *ProveSender) Run(ctx context.Context) error {
	committed := s.committed
	proofs := s.proofs
	for {
		if committed == nil && proofs == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-committed:
			if !ok {
				committed = nil
				continue
			}
			s.mu.Lock()
			s.queue = append(s.queue, batch)
			s.mu.Unlock()
		case sub, ok := <-proofs:
			if !ok {
				proofs = nil
				continue
			}
			s.mu.Lock()
			s.pendingProofs[sub.BatchIndex] = sub.Proof
			s.mu.Unlock()
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
	}
}

func (s *ProveSender) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		head := s.queue[0]
		proof, ok := s.pendingProofs[head.Index]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.queue = s.queue[1:]
		delete(s.pendingProofs, head.Index)
		s.mu.Unlock()

		if err := s.proveOne(ctx, head, proof); err != nil {
			return fmt.Errorf("prove-sender: batch %d: %w", head.Index, err)
		}
	}
}

func (s *ProveSender) proveOne(ctx context.Context, batch batcher.Batch, proof []byte) error {
	err := sendWithRetry(ctx, s.client, s.policy, s.logger, fmt.Sprintf("prove[%d]", batch.Index),
		func(gasPrice *big.Int) (string, error) {
			txHash, cerr := s.client.Call(ctx, "proveBatch", gasPrice, batch.Index, proof)
			if cerr != nil {
				return "", cerr
			}
			receipt, werr := s.client.WaitReceipt(ctx, txHash, s.policy.withDefaults().ReceiptPollInterval)
			if werr != nil {
				return "", werr
			}
			if receipt.Status != 1 {
				return "", fmt.Errorf("proveBatch reverted")
			}
			return txHash.Hex(), nil
		})
	if err != nil {
		return err
	}

	if err := s.batches.SetStatus(batch.Index, types.BatchStatusProven); err != nil {
		return fmt.Errorf("mark proven: %w", err)
	}

	select {
	case s.out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
