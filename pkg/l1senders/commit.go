// Copyright 2025 zkroll
package l1senders

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/l1client"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/types"
)

// CommitSender submits each sealed batch's posterior Merkle root to L1
// in batch-index order, then advances the batch to Committed and
// forwards it to the prove phase.
type CommitSender struct {
	client  *l1client.Client
	batches *batcher.Batcher
	tree    *merkletree.Tree
	policy  RetryPolicy
	in      <-chan batcher.Batch
	out     chan<- batcher.Batch
	logger  *log.Logger
}

// NewCommitSender constructs a CommitSender reading sealed batches from
// in and forwarding committed ones to out.
func NewCommitSender(client *l1client.Client, batches *batcher.Batcher, tree *merkletree.Tree,
	in <-chan batcher.Batch, out chan<- batcher.Batch, policy RetryPolicy) *CommitSender {
	return &CommitSender{
		client:  client,
		batches: batches,
		tree:    tree,
		policy:  policy,
		in:      in,
		out:     out,
		logger:  log.New(os.Stderr, "[commit-sender] ", log.LstdFlags),
	}
}

// Run processes sealed batches until ctx is cancelled or in is closed.
func (s *CommitSender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-s.in:
			if !ok {
				return nil
			}
			if err := s.commitOne(ctx, batch); err != nil {
				return fmt.Errorf("commit-sender: batch %d: %w", batch.Index, err)
			}
		}
	}
}

func (s *CommitSender) commitOne(ctx context.Context, batch batcher.Batch) error {
	root, err := s.tree.RootAt(batch.ToHeight)
	if err != nil {
		return fmt.Errorf("read root at %d: %w", batch.ToHeight, err)
	}
	var rootBytes [32]byte
	copy(rootBytes[:], root[:])

	err = sendWithRetry(ctx, s.client, s.policy, s.logger, fmt.Sprintf("commit[%d]", batch.Index),
		func(gasPrice *big.Int) (string, error) {
			txHash, cerr := s.client.Call(ctx, "commitBatch", gasPrice, batch.Index, batch.FromHeight, batch.ToHeight, rootBytes)
			if cerr != nil {
				return "", cerr
			}
			receipt, werr := s.client.WaitReceipt(ctx, txHash, s.policy.withDefaults().ReceiptPollInterval)
			if werr != nil {
				return "", werr
			}
			if receipt.Status != 1 {
				return "", fmt.Errorf("commitBatch reverted")
			}
			return txHash.Hex(), nil
		})
	if err != nil {
		return err
	}

	if err := s.batches.SetStatus(batch.Index, types.BatchStatusCommitted); err != nil {
		return fmt.Errorf("mark committed: %w", err)
	}

	select {
	case s.out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
