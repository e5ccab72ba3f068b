// Copyright 2025 zkroll
//
// Read-only query surface (spec §6). Exposes State.get, Receipts.get_tx,
// Receipts.get_block, WAL.read and MerkleTree.prove over plain HTTP,
// following the teacher's pkg/server handler idiom: JSON responses,
// errors reported as {"error": "..."}.
package rpcapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/state"
	"github.com/zkroll/sequencer/pkg/types"
	"github.com/zkroll/sequencer/pkg/wal"
)

// ReceiptReader is the read surface this package needs from the receipt
// repository. The only production implementation is
// *receipts.Repository; the interface boundary lets the HTTP handlers
// be exercised without a live Postgres connection.
type ReceiptReader interface {
	GetTx(ctx context.Context, hash types.Hash) (types.Receipt, bool, error)
	GetBlockReceipts(ctx context.Context, height uint64) ([]types.Receipt, error)
}

// Handlers bundles the query-only views each endpoint reads from. None
// of these calls ever mutate node state.
type Handlers struct {
	state    *state.Store
	receipts ReceiptReader
	wal      *wal.WAL
	tree     *merkletree.Tree
	batches  *batcher.Batcher
}

// New constructs the query handlers.
func New(s *state.Store, r ReceiptReader, w *wal.WAL, t *merkletree.Tree, b *batcher.Batcher) *Handlers {
	return &Handlers{state: s, receipts: r, wal: w, tree: t, batches: b}
}

// Mux returns an http.Handler routing every endpoint this package
// serves.
func (h *Handlers) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state/get", h.HandleStateGet)
	mux.HandleFunc("/receipts/tx", h.HandleReceiptTx)
	mux.HandleFunc("/receipts/block", h.HandleReceiptsBlock)
	mux.HandleFunc("/wal/read", h.HandleWALRead)
	mux.HandleFunc("/merkletree/prove", h.HandleMerkleProve)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseHash(s string) (types.Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return types.Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return types.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	var h types.Hash
	copy(h[:], raw)
	return h, nil
}

// resolveHeightTag maps the spec's block-tag vocabulary onto a concrete
// height: "pending" is the chain's current tip; "safe" is the highest
// height covered by a batch that has at least reached L1 commitment.
// "earliest" and "finalized" are not served (spec Non-goal).
func (h *Handlers) resolveHeightTag(tag string) (uint64, error) {
	switch tag {
	case "", "pending", "latest":
		height, ok := h.tree.Latest()
		if !ok {
			return 0, errors.New("no blocks produced yet")
		}
		return height, nil
	case "safe":
		height, ok := h.batches.SafeHeight()
		if !ok {
			return 0, errors.New("no batch has reached committed status yet")
		}
		return height, nil
	case "earliest", "finalized":
		return 0, fmt.Errorf("block tag %q is not served", tag)
	default:
		height, err := strconv.ParseUint(tag, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unrecognized block tag %q", tag)
		}
		return height, nil
	}
}

// HandleStateGet serves GET /state/get?key=<hex32>. State is a single
// versioned key/value view, not a per-height history, so no block tag
// is read; the response reports the store's current version alongside
// the value.
func (h *Handlers) HandleStateGet(w http.ResponseWriter, r *http.Request) {
	key, err := parseHash(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value, ok, err := h.state.Get(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	version, _ := h.state.Version()
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     hex.EncodeToString(key[:]),
		"value":   hex.EncodeToString(value[:]),
		"found":   ok,
		"version": version,
	})
}

// HandleReceiptTx serves GET /receipts/tx?hash=<hex32>.
func (h *Handlers) HandleReceiptTx(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipt, ok, err := h.receipts.GetTx(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no receipt for tx %x", hash))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// HandleReceiptsBlock serves GET /receipts/block?height=<n>.
func (h *Handlers) HandleReceiptsBlock(w http.ResponseWriter, r *http.Request) {
	heightParam := r.URL.Query().Get("height")
	height, err := strconv.ParseUint(heightParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid height: %w", err))
		return
	}
	rs, err := h.receipts.GetBlockReceipts(r.Context(), height)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// HandleWALRead serves GET /wal/read?height=<n>, the replay protocol an
// external node uses to pull recorded blocks.
func (h *Handlers) HandleWALRead(w http.ResponseWriter, r *http.Request) {
	heightParam := r.URL.Query().Get("height")
	height, err := strconv.ParseUint(heightParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid height: %w", err))
		return
	}
	rec, err := h.wal.Read(height)
	if err != nil {
		if errors.Is(err, wal.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleMerkleProve serves GET /merkletree/prove?key=<hex32>&tag=<block tag>.
func (h *Handlers) HandleMerkleProve(w http.ResponseWriter, r *http.Request) {
	key, err := parseHash(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tag := r.URL.Query().Get("tag")
	height, err := h.resolveHeightTag(tag)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	witnesses, err := h.tree.Prove(height, []types.Hash{key})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"height":  height,
		"witness": witnesses[0],
	})
}
