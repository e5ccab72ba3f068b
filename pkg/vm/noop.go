// Copyright 2025 zkroll
package vm

import (
	"context"

	"github.com/zkroll/sequencer/pkg/types"
)

// NewNoop returns an Execute that touches no state and produces a
// successful, zero-gas receipt for every transaction. It exists so the
// pipeline can be wired and exercised end to end without a real
// execution engine plugged in; it is never a substitute for one (spec
// §6, Non-goal: the actual VM).
func NewNoop() Execute {
	return func(_ context.Context, _ types.BlockContext, _ StateView, txs []types.Transaction) (Result, error) {
		receipts := make([]types.Receipt, len(txs))
		for i, tx := range txs {
			receipts[i] = types.Receipt{
				TxHash: tx.Hash,
				Status: types.ReceiptStatusSuccess,
			}
		}
		return Result{Receipts: receipts, Diff: types.StateDiff{}, GasUsed: 0}, nil
	}
}
