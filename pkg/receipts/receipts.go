// Copyright 2025 zkroll
//
// Receipt Repository (spec §4.3, component C3). Receipts are fully
// derivable from (block, state@parent, txs) — this repository exists
// purely so external callers can query receipts by tx hash or by block
// without re-executing anything, and it may be pruned or rebuilt at
// will. Backed by Postgres for the query indexing the spec calls for,
// following the teacher's pkg/database/client.go connection-pooling
// idiom.
package receipts

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/zkroll/sequencer/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository is the Postgres-backed receipt store.
type Repository struct {
	db     *sql.DB
	logger *log.Logger
}

// Option is a functional option for configuring the repository.
type Option func(*Repository)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// Config bundles the connection parameters needed to open a Repository.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxIdle  time.Duration
	ConnMaxLife  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxIdle <= 0 {
		c.ConnMaxIdle = 5 * time.Minute
	}
	if c.ConnMaxLife <= 0 {
		c.ConnMaxLife = time.Hour
	}
	return c
}

// Open connects to Postgres, applies embedded migrations, and returns a
// ready Repository.
func Open(cfg Config, opts ...Option) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("receipts: DSN cannot be empty")
	}
	cfg = cfg.withDefaults()

	r := &Repository{
		logger: log.New(os.Stderr, "[receipts] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("receipts: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLife)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("receipts: ping: %w", err)
	}
	r.db = db

	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	r.logger.Printf("connected and migrated (max_conns=%d)", cfg.MaxOpenConns)
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("receipts: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("receipts: read %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("receipts: apply %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// PutBlock idempotently upserts every receipt in a block. Re-applying
// the same block's receipts during replay is a no-op overwrite, not a
// duplicate (I2-style idempotence mirrored from the state store).
func (r *Repository) PutBlock(ctx context.Context, height uint64, rs []types.Receipt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("receipts: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO receipts (tx_hash, block_height, status, gas_used, effective_gas_price, contract_address, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO UPDATE SET
			block_height = EXCLUDED.block_height,
			status = EXCLUDED.status,
			gas_used = EXCLUDED.gas_used,
			effective_gas_price = EXCLUDED.effective_gas_price,
			contract_address = EXCLUDED.contract_address,
			logs = EXCLUDED.logs
	`)
	if err != nil {
		return fmt.Errorf("receipts: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range rs {
		logsJSON, err := json.Marshal(rec.Logs)
		if err != nil {
			return fmt.Errorf("receipts: encode logs for %x: %w", rec.TxHash, err)
		}
		var contractAddr []byte
		if rec.ContractAddress != nil {
			contractAddr = rec.ContractAddress[:]
		}
		if _, err := stmt.ExecContext(ctx, rec.TxHash[:], height, int(rec.Status), rec.GasUsed,
			rec.EffectiveGasPrice, contractAddr, logsJSON); err != nil {
			return fmt.Errorf("receipts: upsert %x: %w", rec.TxHash, err)
		}
	}

	return tx.Commit()
}

// GetTx returns the receipt for a single transaction hash.
func (r *Repository) GetTx(ctx context.Context, hash types.Hash) (types.Receipt, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tx_hash, block_height, status, gas_used, effective_gas_price, contract_address, logs
		FROM receipts WHERE tx_hash = $1
	`, hash[:])
	rec, ok, err := scanReceipt(row)
	return rec, ok, err
}

// GetBlockReceipts returns every receipt recorded for a block height, in
// no particular order (callers should re-derive tx order from the WAL
// record if it matters).
func (r *Repository) GetBlockReceipts(ctx context.Context, height uint64) ([]types.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tx_hash, block_height, status, gas_used, effective_gas_price, contract_address, logs
		FROM receipts WHERE block_height = $1
	`, height)
	if err != nil {
		return nil, fmt.Errorf("receipts: query block %d: %w", height, err)
	}
	defer rows.Close()

	var out []types.Receipt
	for rows.Next() {
		rec, ok, err := scanReceiptRow(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// Prune deletes every receipt at or below height. Receipts are
// derivable, so pruning is always safe; by default the node never calls
// this (spec's pruning policy is an Open Question resolved to "no
// pruning by default" — see DESIGN.md).
func (r *Repository) Prune(ctx context.Context, belowOrEqual uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM receipts WHERE block_height <= $1`, belowOrEqual)
	if err != nil {
		return 0, fmt.Errorf("receipts: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("receipts: prune rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row *sql.Row) (types.Receipt, bool, error) {
	return scanReceiptRow(row)
}

func scanReceiptRow(row rowScanner) (types.Receipt, bool, error) {
	var (
		txHash, contractAddr []byte
		height               uint64
		status               int
		gasUsed              uint64
		effGasPrice          uint64
		logsJSON             []byte
	)
	if err := row.Scan(&txHash, &height, &status, &gasUsed, &effGasPrice, &contractAddr, &logsJSON); err != nil {
		if err == sql.ErrNoRows {
			return types.Receipt{}, false, nil
		}
		return types.Receipt{}, false, fmt.Errorf("receipts: scan: %w", err)
	}

	var logs []types.Log
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &logs); err != nil {
			return types.Receipt{}, false, fmt.Errorf("receipts: decode logs: %w", err)
		}
	}

	rec := types.Receipt{
		BlockHeight:       height,
		Status:            types.ReceiptStatus(status),
		GasUsed:           gasUsed,
		EffectiveGasPrice: effGasPrice,
		Logs:              logs,
	}
	copy(rec.TxHash[:], txHash)
	if len(contractAddr) > 0 {
		var addr types.Hash
		copy(addr[:], contractAddr)
		rec.ContractAddress = &addr
	}
	return rec, true, nil
}
