// Copyright 2025 zkroll
package mempool

import (
	"testing"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/prioritytree"
	"github.com/zkroll/sequencer/pkg/types"
)

func newTestPriorityManager(t *testing.T) *prioritytree.Manager {
	t.Helper()
	treeKV, err := kvdb.OpenMem(t.Name() + "-tree")
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	tree, err := merkletree.Open(treeKV)
	if err != nil {
		t.Fatalf("merkletree.Open: %v", err)
	}
	mgrKV, err := kvdb.OpenMem(t.Name() + "-mgr")
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	mgr, err := prioritytree.Open(mgrKV, tree)
	if err != nil {
		t.Fatalf("prioritytree.Open: %v", err)
	}
	return mgr
}

func userTx(id byte) types.Transaction {
	var h types.Hash
	h[31] = id
	return types.Transaction{Kind: types.TxKindUser, Hash: h}
}

func TestPopCandidatesPriorityFirst(t *testing.T) {
	mgr := newTestPriorityManager(t)
	for i, raw := range [][]byte{[]byte("p0"), []byte("p1")} {
		if _, err := mgr.Append(prioritytree.Entry{Index: uint64(i), Raw: raw}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	mp := New(mgr)
	mp.Submit(userTx(1))
	mp.Submit(userTx(2))

	priority, user, err := mp.PopCandidates(3)
	if err != nil {
		t.Fatalf("PopCandidates: %v", err)
	}
	if len(priority) != 2 {
		t.Fatalf("got %d priority txs, want 2", len(priority))
	}
	if priority[0].PriorityIndex != 0 || priority[1].PriorityIndex != 1 {
		t.Errorf("priority indices = [%d, %d], want [0, 1]", priority[0].PriorityIndex, priority[1].PriorityIndex)
	}
	if len(user) != 1 {
		t.Fatalf("got %d user txs, want 1 (budget exhausted by priority txs)", len(user))
	}
}

func TestEvictIncludedAdvancesCursorAndRemovesUserTxs(t *testing.T) {
	mgr := newTestPriorityManager(t)
	for i, raw := range [][]byte{[]byte("p0"), []byte("p1")} {
		if _, err := mgr.Append(prioritytree.Entry{Index: uint64(i), Raw: raw}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	mp := New(mgr)
	tx1, tx2 := userTx(1), userTx(2)
	mp.Submit(tx1)
	mp.Submit(tx2)

	included := []types.Transaction{
		tx1,
		{Kind: types.TxKindPriority, PriorityIndex: 0},
		{Kind: types.TxKindPriority, PriorityIndex: 1},
	}
	if err := mp.EvictIncluded(included); err != nil {
		t.Fatalf("EvictIncluded: %v", err)
	}

	if got := mp.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (tx2 still pending)", got)
	}
	if got := mgr.NextUnconsumed(); got != 2 {
		t.Fatalf("NextUnconsumed() = %d, want 2", got)
	}

	_, userLeft, err := mp.PopCandidates(10)
	if err != nil {
		t.Fatalf("PopCandidates: %v", err)
	}
	if len(userLeft) != 1 || userLeft[0].Hash != tx2.Hash {
		t.Fatalf("remaining user tx = %+v, want only tx2", userLeft)
	}
}

func TestSubmitDuplicateIsNoOp(t *testing.T) {
	mgr := newTestPriorityManager(t)
	mp := New(mgr)
	tx := userTx(1)
	mp.Submit(tx)
	mp.Submit(tx)
	if got := mp.Len(); got != 1 {
		t.Errorf("Len() after duplicate submit = %d, want 1", got)
	}
}
