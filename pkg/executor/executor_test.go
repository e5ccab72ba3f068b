// Copyright 2025 zkroll
package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/mempool"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/prioritytree"
	"github.com/zkroll/sequencer/pkg/state"
	"github.com/zkroll/sequencer/pkg/types"
	"github.com/zkroll/sequencer/pkg/vm"
	"github.com/zkroll/sequencer/pkg/wal"
)

// fakeReceipts stands in for *receipts.Repository so the executor's
// durable fan-out can be exercised without a live Postgres connection.
type fakeReceipts struct {
	byHeight map[uint64][]types.Receipt
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{byHeight: make(map[uint64][]types.Receipt)}
}

func (f *fakeReceipts) PutBlock(_ context.Context, height uint64, rs []types.Receipt) error {
	f.byHeight[height] = rs
	return nil
}

type harness struct {
	exec       *Executor
	wal        *wal.WAL
	state      *state.Store
	tree       *merkletree.Tree
	downstream chan types.Block
	fatal      chan error
}

func newHarness(t *testing.T, exec vm.Execute) *harness {
	t.Helper()

	walKV, err := kvdb.OpenMem(t.Name() + "-wal")
	if err != nil {
		t.Fatalf("OpenMem wal: %v", err)
	}
	w, err := wal.Open(walKV, wal.Config{CommitWindow: 2 * time.Millisecond, CommitCount: 1})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	stateKV, err := kvdb.OpenMem(t.Name() + "-state")
	if err != nil {
		t.Fatalf("OpenMem state: %v", err)
	}
	s, err := state.Open(stateKV)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}

	treeKV, err := kvdb.OpenMem(t.Name() + "-tree")
	if err != nil {
		t.Fatalf("OpenMem tree: %v", err)
	}
	tree, err := merkletree.Open(treeKV)
	if err != nil {
		t.Fatalf("merkletree.Open: %v", err)
	}

	ptreeKV, err := kvdb.OpenMem(t.Name() + "-ptree")
	if err != nil {
		t.Fatalf("OpenMem ptree: %v", err)
	}
	ptreeTreeKV, err := kvdb.OpenMem(t.Name() + "-ptree-tree")
	if err != nil {
		t.Fatalf("OpenMem ptree tree: %v", err)
	}
	ptreeTree, err := merkletree.Open(ptreeTreeKV)
	if err != nil {
		t.Fatalf("merkletree.Open (ptree): %v", err)
	}
	priorityMgr, err := prioritytree.Open(ptreeKV, ptreeTree)
	if err != nil {
		t.Fatalf("prioritytree.Open: %v", err)
	}

	mp := mempool.New(priorityMgr)

	downstream := make(chan types.Block, 8)
	fatal := make(chan error, 8)

	rep := newFakeReceipts()

	e := New(w, s, rep, tree, mp, exec, downstream, fatal)
	return &harness{exec: e, wal: w, state: s, tree: tree, downstream: downstream, fatal: fatal}
}

func TestProduceAppendsAndFansOut(t *testing.T) {
	h := newHarness(t, vm.NewNoop())
	ctx := context.Background()

	block, err := h.exec.Produce(ctx, types.BlockContext{Height: 0}, 10)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	tip, has := h.wal.Tip()
	if !has || tip != 0 {
		t.Fatalf("WAL tip = (%d, %v), want (0, true)", tip, has)
	}
	version, has := h.state.Version()
	if !has || version != 0 {
		t.Fatalf("state version = (%d, %v), want (0, true)", version, has)
	}
	latest, has := h.tree.Latest()
	if !has || latest != 0 {
		t.Fatalf("tree latest = (%d, %v), want (0, true)", latest, has)
	}

	select {
	case got := <-h.downstream:
		if got.Hash != block.Hash {
			t.Errorf("downstream block hash = %x, want %x", got.Hash, block.Hash)
		}
	default:
		t.Fatal("expected a block on the downstream channel")
	}
}

func TestReplayReproducesIdenticalHash(t *testing.T) {
	h := newHarness(t, vm.NewNoop())
	ctx := context.Background()

	produced, err := h.exec.Produce(ctx, types.BlockContext{Height: 0}, 10)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	<-h.downstream

	replayed, err := h.exec.Replay(ctx, 0)
	if err != nil {
		t.Fatalf("Replay(0): %v", err)
	}
	if replayed.Hash != produced.Hash {
		t.Errorf("Replay hash = %x, want %x (determinism)", replayed.Hash, produced.Hash)
	}
}

func TestReplayDetectsDeterminismViolation(t *testing.T) {
	h := newHarness(t, vm.NewNoop())
	ctx := context.Background()

	if _, err := h.exec.Produce(ctx, types.BlockContext{Height: 0}, 10); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	<-h.downstream

	// Swap in a VM that behaves differently on replay to simulate a
	// nondeterministic execution engine.
	h.exec.execute = func(_ context.Context, _ types.BlockContext, _ vm.StateView, txs []types.Transaction) (vm.Result, error) {
		return vm.Result{GasUsed: 1}, nil
	}

	if _, err := h.exec.Replay(ctx, 0); !errors.Is(err, ErrDeterminismViolation) {
		t.Fatalf("Replay after VM behavior change = %v, want ErrDeterminismViolation", err)
	}

	select {
	case err := <-h.fatal:
		if !errors.Is(err, ErrDeterminismViolation) {
			t.Errorf("fatal channel error = %v, want ErrDeterminismViolation", err)
		}
	default:
		t.Fatal("expected a fatal error to be reported")
	}
}
