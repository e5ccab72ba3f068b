// Copyright 2025 zkroll
package merkletree

import (
	"errors"
	"testing"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

func openTestTree(t *testing.T) *Tree {
	t.Helper()
	kv, err := kvdb.OpenMem(t.Name())
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	tree, err := Open(kv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func keyOf(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

func TestExtendEmptyTreeHasCanonicalRoot(t *testing.T) {
	tree := openTestTree(t)
	if root := tree.CurrentRoot(); root != emptyHashes[depth] {
		t.Errorf("CurrentRoot() on fresh tree = %x, want empty-subtree root", root)
	}
}

func TestExtendAndProveRoundTrip(t *testing.T) {
	tree := openTestTree(t)

	root, err := tree.Extend(0, []types.StorageUpdate{
		{Key: keyOf(1), Value: keyOf(10)},
		{Key: keyOf(2), Value: keyOf(20)},
	})
	if err != nil {
		t.Fatalf("Extend(0): %v", err)
	}

	witnesses, err := tree.Prove(0, []types.Hash{keyOf(1), keyOf(2)})
	if err != nil {
		t.Fatalf("Prove(0): %v", err)
	}
	if len(witnesses) != 2 {
		t.Fatalf("Prove returned %d witnesses, want 2", len(witnesses))
	}
	for i, want := range []types.Hash{keyOf(10), keyOf(20)} {
		if witnesses[i].Value != want {
			t.Errorf("witness[%d].Value = %x, want %x", i, witnesses[i].Value, want)
		}
		if !witnesses[i].Verify(root) {
			t.Errorf("witness[%d] did not verify against root %x", i, root)
		}
	}
}

func TestExtendIsDeterministicRegardlessOfInputOrder(t *testing.T) {
	kv1, _ := kvdb.OpenMem(t.Name() + "-a")
	tree1, _ := Open(kv1)
	defer tree1.Close()
	kv2, _ := kvdb.OpenMem(t.Name() + "-b")
	tree2, _ := Open(kv2)
	defer tree2.Close()

	updatesA := []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(10)}, {Key: keyOf(2), Value: keyOf(20)}}
	updatesB := []types.StorageUpdate{{Key: keyOf(2), Value: keyOf(20)}, {Key: keyOf(1), Value: keyOf(10)}}

	rootA, err := tree1.Extend(0, updatesA)
	if err != nil {
		t.Fatalf("Extend tree1: %v", err)
	}
	rootB, err := tree2.Extend(0, updatesB)
	if err != nil {
		t.Fatalf("Extend tree2: %v", err)
	}
	if rootA != rootB {
		t.Errorf("roots differ by input order: %x != %x", rootA, rootB)
	}
}

func TestExtendIsIdempotent(t *testing.T) {
	tree := openTestTree(t)

	root0, err := tree.Extend(0, []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(10)}})
	if err != nil {
		t.Fatalf("Extend(0): %v", err)
	}

	// Re-extending the same height with a different diff must not
	// change the recorded root (idempotent on height <= latest).
	again, err := tree.Extend(0, []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(99)}})
	if err != nil {
		t.Fatalf("re-Extend(0): %v", err)
	}
	if again != root0 {
		t.Errorf("re-Extend(0) root = %x, want unchanged %x", again, root0)
	}
}

func TestExtendRejectsGap(t *testing.T) {
	tree := openTestTree(t)
	if _, err := tree.Extend(0, nil); err != nil {
		t.Fatalf("Extend(0): %v", err)
	}
	if _, err := tree.Extend(2, nil); !errors.Is(err, ErrHeightGap) {
		t.Fatalf("Extend(2) after tip 0 = %v, want ErrHeightGap", err)
	}
}

func TestProveBeyondTipReturnsNotReadyYet(t *testing.T) {
	tree := openTestTree(t)
	if _, err := tree.Extend(0, nil); err != nil {
		t.Fatalf("Extend(0): %v", err)
	}
	if _, err := tree.Prove(5, []types.Hash{keyOf(1)}); !errors.Is(err, ErrNotReadyYet) {
		t.Fatalf("Prove(5) = %v, want ErrNotReadyYet", err)
	}
}

func TestRootAtPriorVersionStable(t *testing.T) {
	tree := openTestTree(t)

	root0, err := tree.Extend(0, []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(10)}})
	if err != nil {
		t.Fatalf("Extend(0): %v", err)
	}
	if _, err := tree.Extend(1, []types.StorageUpdate{{Key: keyOf(2), Value: keyOf(20)}}); err != nil {
		t.Fatalf("Extend(1): %v", err)
	}

	got, err := tree.RootAt(0)
	if err != nil {
		t.Fatalf("RootAt(0): %v", err)
	}
	if got != root0 {
		t.Errorf("RootAt(0) = %x, want %x (unchanged by later Extend)", got, root0)
	}
}
