// Copyright 2025 zkroll
package rpcapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/state"
	"github.com/zkroll/sequencer/pkg/types"
	"github.com/zkroll/sequencer/pkg/wal"
)

type fakeTracer struct{}

func (fakeTracer) Trace(_ context.Context, blocks []types.Block) ([]byte, error) {
	return make([]byte, len(blocks)*4), nil
}

type fakeReceipts struct {
	byTx map[types.Hash]types.Receipt
}

func (f *fakeReceipts) GetTx(_ context.Context, hash types.Hash) (types.Receipt, bool, error) {
	r, ok := f.byTx[hash]
	return r, ok, nil
}

func (f *fakeReceipts) GetBlockReceipts(_ context.Context, height uint64) ([]types.Receipt, error) {
	var out []types.Receipt
	for _, r := range f.byTx {
		if r.BlockHeight == height {
			out = append(out, r)
		}
	}
	return out, nil
}

func keyOf(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

func newTestHandlers(t *testing.T) (*Handlers, *state.Store, *merkletree.Tree, *batcher.Batcher, *fakeReceipts) {
	t.Helper()
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

	walKV, err := kvdb.OpenMem(t.Name() + "-wal")
	if err != nil {
		t.Fatalf("OpenMem wal: %v", err)
	}
	w, err := wal.Open(walKV, wal.Config{CommitWindow: 2 * time.Millisecond, CommitCount: 1})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	batchKV, err := kvdb.OpenMem(t.Name() + "-batch")
	if err != nil {
		t.Fatalf("OpenMem batch: %v", err)
	}
	b, err := batcher.Open(batchKV, fakeTracer{}, batcher.Config{}, make(chan batcher.Batch, 8))
	if err != nil {
		t.Fatalf("batcher.Open: %v", err)
	}
	t.Cleanup(b.Close)

	rec := &fakeReceipts{byTx: make(map[types.Hash]types.Receipt)}

	return New(s, rec, w, tree, b), s, tree, b, rec
}

func TestHandleStateGet(t *testing.T) {
	h, s, _, _, _ := newTestHandlers(t)
	if err := s.Apply(0, types.StateDiff{Updates: []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(2)}}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state/get?key=" + hex.EncodeToString(keyOf(1)[:]))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["value"] != hex.EncodeToString(keyOf(2)[:]) {
		t.Errorf("value = %v, want %v", body["value"], hex.EncodeToString(keyOf(2)[:]))
	}
	if body["found"] != true {
		t.Errorf("found = %v, want true", body["found"])
	}
}

func TestHandleStateGetInvalidKey(t *testing.T) {
	h, _, _, _, _ := newTestHandlers(t)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state/get?key=not-hex")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleWALReadNotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandlers(t)
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wal/read?height=5")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleMerkleProveSafeTagRequiresCommittedBatch(t *testing.T) {
	h, _, tree, _, _ := newTestHandlers(t)
	if _, err := tree.Extend(0, []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(2)}}); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/merkletree/prove?key=" + hex.EncodeToString(keyOf(1)[:]) + "&tag=safe")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (no committed batch yet)", resp.StatusCode)
	}
}

func TestHandleMerkleProvePendingTag(t *testing.T) {
	h, _, tree, _, _ := newTestHandlers(t)
	if _, err := tree.Extend(0, []types.StorageUpdate{{Key: keyOf(1), Value: keyOf(2)}}); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/merkletree/prove?key=" + hex.EncodeToString(keyOf(1)[:]) + "&tag=pending")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
