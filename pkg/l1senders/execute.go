// Copyright 2025 zkroll
package l1senders

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/l1client"
	"github.com/zkroll/sequencer/pkg/prioritytree"
	"github.com/zkroll/sequencer/pkg/types"
)

// ExecuteSender submits each proven batch's execute call to L1 in
// batch-index order, attaching a priority-tx inclusion proof whenever
// the batch consumed any priority transactions, then advances the
// batch to Executed.
type ExecuteSender struct {
	client   *l1client.Client
	batches  *batcher.Batcher
	priority *prioritytree.Manager
	policy   RetryPolicy
	in       <-chan batcher.Batch
	logger   *log.Logger
}

// NewExecuteSender constructs an ExecuteSender reading proven batches
// from in.
func NewExecuteSender(client *l1client.Client, batches *batcher.Batcher, priority *prioritytree.Manager,
	in <-chan batcher.Batch, policy RetryPolicy) *ExecuteSender {
	return &ExecuteSender{
		client:   client,
		batches:  batches,
		priority: priority,
		policy:   policy,
		in:       in,
		logger:   log.New(os.Stderr, "[execute-sender] ", log.LstdFlags),
	}
}

// Run processes proven batches until ctx is cancelled or in is closed.
func (s *ExecuteSender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-s.in:
			if !ok {
				return nil
			}
			if err := s.executeOne(ctx, batch); err != nil {
				return fmt.Errorf("execute-sender: batch %d: %w", batch.Index, err)
			}
		}
	}
}

func (s *ExecuteSender) executeOne(ctx context.Context, batch batcher.Batch) error {
	var inclusionProof []byte
	if batch.HasPriorityTxs {
		witnesses, err := s.priority.InclusionProof(batch.PriorityFrom, batch.PriorityTo)
		if err != nil {
			return fmt.Errorf("priority inclusion proof [%d,%d): %w", batch.PriorityFrom, batch.PriorityTo, err)
		}
		encoded, err := json.Marshal(witnesses)
		if err != nil {
			return fmt.Errorf("encode inclusion proof: %w", err)
		}
		inclusionProof = encoded
	}

	err := sendWithRetry(ctx, s.client, s.policy, s.logger, fmt.Sprintf("execute[%d]", batch.Index),
		func(gasPrice *big.Int) (string, error) {
			txHash, cerr := s.client.Call(ctx, "executeBatch", gasPrice, batch.Index, inclusionProof)
			if cerr != nil {
				return "", cerr
			}
			receipt, werr := s.client.WaitReceipt(ctx, txHash, s.policy.withDefaults().ReceiptPollInterval)
			if werr != nil {
				return "", werr
			}
			if receipt.Status != 1 {
				return "", fmt.Errorf("executeBatch reverted")
			}
			return txHash.Hex(), nil
		})
	if err != nil {
		return err
	}

	return s.batches.SetStatus(batch.Index, types.BatchStatusExecuted)
}
