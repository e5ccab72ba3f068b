// Copyright 2025 zkroll
//
// Shared domain types for the sequencer core: blocks, transactions,
// receipts and state diffs. These are the values that flow across every
// component boundary (WAL, state, Merkle tree, batcher, L1 senders), so
// they live in one package to avoid import cycles between components.

package types

import (
	"encoding/json"
	"time"
)

// Hash is a 32-byte digest: block hash, storage key, storage value,
// preimage hash, or Merkle node.
type Hash [32]byte

// TxKind distinguishes a user-submitted transaction from one that
// originated from an L1 priority event.
type TxKind int

const (
	TxKindUser TxKind = iota
	TxKindPriority
)

// Transaction is either a signed user transaction (from the mempool) or a
// priority transaction referenced by its dense L1 index.
type Transaction struct {
	Kind TxKind `json:"kind"`

	// Hash identifies the transaction regardless of kind.
	Hash Hash `json:"hash"`

	// Raw is the opaque, VM-specific payload (signed envelope for user
	// txs, decoded L1 calldata for priority txs).
	Raw []byte `json:"raw"`

	// PriorityIndex is meaningful only when Kind == TxKindPriority: the
	// dense, monotonically increasing index assigned by the priority
	// tree manager (C5) when the L1 event was observed.
	PriorityIndex uint64 `json:"priority_index,omitempty"`

	// InclusionKey is the priority tree leaf key this transaction was
	// recorded under. Nothing in this module sets it, so it is zero on
	// every transaction the sequencer builds.
	InclusionKey Hash `json:"inclusion_key,omitempty"`
}

// BlockContext carries the producer-chosen parameters for a block that
// the VM needs but that are not derivable from the transaction list
// alone.
type BlockContext struct {
	Height     uint64    `json:"height"`
	ParentHash Hash      `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`

	// ProducerConfig is opaque, VM-specific per-block configuration
	// (e.g. gas limit, coinbase). Produce records whatever the caller
	// supplies (the sequencer's producer loop leaves it empty); Replay
	// recovers it verbatim from the WAL.
	ProducerConfig json.RawMessage `json:"producer_config,omitempty"`
}

// Block is the immutable, replayable unit of the chain. Its hash is
// computed from header fields only and deliberately excludes the Merkle
// root (spec §3, Non-goals).
type Block struct {
	Context  BlockContext  `json:"context"`
	Txs      []Transaction `json:"txs"`
	Receipts []Receipt     `json:"receipts"`
	GasUsed  uint64        `json:"gas_used"`

	// StateDiffDigest is a digest of the state diff the VM produced for
	// this block; used by determinism checks during replay (I-P2).
	StateDiffDigest Hash `json:"state_diff_digest"`

	// TouchedKeys is the canonically-sorted set of storage keys this
	// block's state diff wrote, carried alongside the block so the
	// batcher can request Merkle witnesses for exactly the keys that
	// moved at this block's boundary when it generates prover input.
	TouchedKeys []Hash `json:"touched_keys,omitempty"`

	// Hash is the block hash: header fields only, never the Merkle
	// root.
	Hash Hash `json:"hash"`
}

// Height returns the block's height for readability at call sites.
func (b *Block) Height() uint64 { return b.Context.Height }

// ReceiptStatus mirrors typical EVM-style execution outcomes.
type ReceiptStatus int

const (
	ReceiptStatusFailed ReceiptStatus = iota
	ReceiptStatusSuccess
)

// Log is a single event emitted during execution.
type Log struct {
	Address Hash     `json:"address"`
	Topics  []Hash   `json:"topics"`
	Data    []byte   `json:"data"`
}

// Receipt is the per-transaction outcome. It is fully derivable from
// (block, state@parent, txs), so the repository that stores it is
// disposable (spec §3, I-nvariant on Receipts being derived).
type Receipt struct {
	TxHash           Hash          `json:"tx_hash"`
	BlockHeight      uint64        `json:"block_height"`
	Status           ReceiptStatus `json:"status"`
	GasUsed          uint64        `json:"gas_used"`
	EffectiveGasPrice uint64       `json:"effective_gas_price"`
	ContractAddress  *Hash         `json:"contract_address,omitempty"`
	Logs             []Log         `json:"logs"`
}

// StorageUpdate is a single key/value write produced by block execution.
type StorageUpdate struct {
	Key   Hash `json:"key"`
	Value Hash `json:"value"`
}

// StateDiff is everything a block's execution wrote: storage updates and
// any preimages the VM touched (hash -> original bytes). The VM may
// return Updates in any order; the executor sorts them by key into
// canonical order, and the Merkle tree sorts again before applying, so
// roots are deterministic (spec §4.4).
type StateDiff struct {
	Updates    []StorageUpdate   `json:"updates"`
	Preimages  map[Hash][]byte   `json:"preimages,omitempty"`
}

// BatchStatus is the four-phase lifecycle a batch advances through,
// strictly monotonically and strictly in order across batches (I6).
type BatchStatus int

const (
	BatchStatusSealed BatchStatus = iota
	BatchStatusCommitted
	BatchStatusProven
	BatchStatusExecuted
)

func (s BatchStatus) String() string {
	switch s {
	case BatchStatusSealed:
		return "sealed"
	case BatchStatusCommitted:
		return "committed"
	case BatchStatusProven:
		return "proven"
	case BatchStatusExecuted:
		return "executed"
	default:
		return "unknown"
	}
}
