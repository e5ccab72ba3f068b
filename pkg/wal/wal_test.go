// Copyright 2025 zkroll
package wal

import (
	"errors"
	"testing"
	"time"

	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	kv, err := kvdb.OpenMem(t.Name())
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	w, err := Open(kv, Config{CommitWindow: 5 * time.Millisecond, CommitCount: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func rec(height uint64) Record {
	var h types.Hash
	h[0] = byte(height)
	return Record{Context: types.BlockContext{Height: height}, BlockHash: h}
}

func TestAppendGapFreePrefix(t *testing.T) {
	w := openTestWAL(t)

	for h := uint64(0); h < 5; h++ {
		if err := w.Append(h, rec(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}

	tip, has := w.Tip()
	if !has || tip != 4 {
		t.Fatalf("Tip() = (%d, %v), want (4, true)", tip, has)
	}
}

func TestAppendRejectsGap(t *testing.T) {
	w := openTestWAL(t)

	if err := w.Append(0, rec(0)); err != nil {
		t.Fatalf("Append(0): %v", err)
	}
	if err := w.Append(2, rec(2)); !errors.Is(err, ErrGapInWAL) {
		t.Fatalf("Append(2) after tip 0 = %v, want ErrGapInWAL", err)
	}
}

func TestReadNotFound(t *testing.T) {
	w := openTestWAL(t)
	if _, err := w.Read(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(0) on empty WAL = %v, want ErrNotFound", err)
	}
}

func TestIterReturnsOrderedRange(t *testing.T) {
	w := openTestWAL(t)
	for h := uint64(0); h < 3; h++ {
		if err := w.Append(h, rec(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}

	recs, err := w.Iter(1)
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Iter(1) returned %d records, want 2", len(recs))
	}
	if recs[0].Context.Height != 1 || recs[1].Context.Height != 2 {
		t.Errorf("Iter(1) heights = [%d, %d], want [1, 2]", recs[0].Context.Height, recs[1].Context.Height)
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	kv, err := kvdb.OpenMem(t.Name())
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}

	w, err := Open(kv, Config{CommitWindow: 5 * time.Millisecond, CommitCount: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for h := uint64(0); h < 3; h++ {
		if err := w.Append(h, rec(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}
	w.Close()

	w2, err := Open(kv, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	tip, has := w2.Tip()
	if !has || tip != 2 {
		t.Fatalf("Tip() after reopen = (%d, %v), want (2, true)", tip, has)
	}
	got, err := w2.Read(1)
	if err != nil {
		t.Fatalf("Read(1) after reopen: %v", err)
	}
	if got.Context.Height != 1 {
		t.Errorf("Read(1).Context.Height = %d, want 1", got.Context.Height)
	}
}
