// Copyright 2025 zkroll
//
// External VM interface (spec §6). The actual execution engine is out
// of scope for this repository — the block executor only needs a pure
// function from (context, state view, txs) to (receipts, state diff,
// touched preimages). Anything satisfying Execute can be plugged in;
// pkg/executor never imports a concrete VM.
package vm

import (
	"context"

	"github.com/zkroll/sequencer/pkg/types"
)

// StateView is the read-only state surface the VM sees while executing
// a block: everything committed through the parent height.
type StateView interface {
	Get(key types.Hash) (types.Hash, bool, error)
	PreimageGet(hash types.Hash) ([]byte, bool, error)
}

// Result is what executing a block's transactions against a StateView
// produces.
type Result struct {
	Receipts  []types.Receipt
	Diff      types.StateDiff
	GasUsed   uint64
}

// Execute is the external execution engine's entry point. Implementations
// must be deterministic: the same (ctx BlockContext, view, txs) must
// always produce the same Result, since the block executor re-runs this
// during replay and treats any divergence as a fatal determinism
// violation (I-P2).
type Execute func(ctx context.Context, blockCtx types.BlockContext, view StateView, txs []types.Transaction) (Result, error)
