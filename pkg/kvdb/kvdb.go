// Copyright 2025 zkroll
//
// KV adapter over CometBFT's storage engine. Per spec §6 ("Persisted
// state layout") the node keeps independent key/value namespaces with
// no cross-database transactions. The sequencer opens six of them —
// WAL, State, Merkle Tree, Priority Tree, the priority tree's own Merkle
// store, and the batcher — while receipts live in Postgres. We open one
// goleveldb-backed dbm.DB per namespace and hand each component a thin
// KV wrapper around it.

package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal persistent key/value contract every component
// builds on: point gets/sets plus an atomic batch for multi-key writes
// (state/Merkle tree version apply, WAL group commit).
type KV interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	Iterator(start, end []byte) (dbm.Iterator, error)
	Close() error
}

// Batch groups several writes into one atomic, optionally durable commit.
type Batch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	// Write commits the batch without forcing an fsync; durability is
	// the caller's responsibility (see WriteSync / the WAL's
	// group-commit window in spec §5).
	Write() error
	// WriteSync commits the batch and blocks until it is durable.
	WriteSync() error
	Close() error
}

// adapter wraps a dbm.DB to satisfy KV.
type adapter struct {
	db dbm.DB
}

// Open opens (creating if absent) a goleveldb-backed namespace under
// dataDir/name. Each key/value namespace the sequencer keeps gets its
// own call to Open with a distinct name.
func Open(name, dataDir string) (KV, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dataDir)
	if err != nil {
		return nil, fmt.Errorf("kvdb: open %q: %w", name, err)
	}
	return &adapter{db: db}, nil
}

// OpenMem opens an in-memory namespace; used by tests, where durability
// isn't required.
func OpenMem(name string) (KV, error) {
	db, err := dbm.NewDB(name, dbm.MemDBBackend, "")
	if err != nil {
		return nil, fmt.Errorf("kvdb: open mem %q: %w", name, err)
	}
	return &adapter{db: db}, nil
}

func (a *adapter) Get(key []byte) ([]byte, error) { return a.db.Get(key) }
func (a *adapter) Has(key []byte) (bool, error)   { return a.db.Has(key) }
func (a *adapter) Set(key, value []byte) error    { return a.db.Set(key, value) }
func (a *adapter) Delete(key []byte) error        { return a.db.Delete(key) }
func (a *adapter) Close() error                   { return a.db.Close() }

func (a *adapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	return a.db.Iterator(start, end)
}

func (a *adapter) NewBatch() Batch {
	return &batchAdapter{b: a.db.NewBatch()}
}

type batchAdapter struct {
	b dbm.Batch
}

func (b *batchAdapter) Set(key, value []byte) error { return b.b.Set(key, value) }
func (b *batchAdapter) Delete(key []byte) error      { return b.b.Delete(key) }
func (b *batchAdapter) Write() error                 { return b.b.Write() }
func (b *batchAdapter) WriteSync() error             { return b.b.WriteSync() }
func (b *batchAdapter) Close() error                  { return b.b.Close() }
