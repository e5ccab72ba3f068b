// Copyright 2025 zkroll
//
// Prover-input generation via a risc-style binary (spec §4.8, part of
// component C8). The batcher hands this package a contiguous run of
// blocks; it encodes them as an input tape — including a Merkle witness
// for every key each block's boundary touched, read from the same
// merkletree.Tree the executor extends — executes a fixed trace program
// against that tape inside a RISC-V zkVM runtime, and returns the
// resulting stream of 32-bit words the program read as the batch's
// prover input.
//
// The concrete runtime (github.com/ProjectZKM/Ziren's Go runtime) is
// only available to this codebase as a go.mod dependency line — no
// source for it was retrieved, so its exact API is a best effort and is
// isolated entirely inside runProgram. Nothing outside this file
// depends on zkvm_runtime's call signatures.
package zkrunner

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"

	zkvm "github.com/ProjectZKM/Ziren/crates/go-runtime/zkvm_runtime"

	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/types"
)

// Runner generates prover input for a batch of blocks by running a
// fixed trace program against them in a RISC-V zkVM.
type Runner struct {
	programPath string
	tree        *merkletree.Tree
	logger      *log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New constructs a Runner that executes the trace program at
// programPath (an ELF built for the zkVM's RISC-V target), fetching
// Merkle witnesses for each block boundary from tree as it builds the
// input tape (spec §4.8: the prover input requires a Merkle witness at
// every block boundary within the batch, not just the batch's final
// root).
func New(programPath string, tree *merkletree.Tree, opts ...Option) *Runner {
	r := &Runner{
		programPath: programPath,
		tree:        tree,
		logger:      log.New(os.Stderr, "[zkrunner] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trace encodes blocks as an input tape, runs the trace program against
// it, and returns the word-read trace as prover input.
func (r *Runner) Trace(ctx context.Context, blocks []types.Block) ([]byte, error) {
	tape, err := encodeTape(r.tree, blocks)
	if err != nil {
		return nil, fmt.Errorf("zkrunner: encode tape for %d blocks: %w", len(blocks), err)
	}
	words, err := runProgram(ctx, r.programPath, tape)
	if err != nil {
		return nil, fmt.Errorf("zkrunner: trace %d blocks: %w", len(blocks), err)
	}
	r.logger.Printf("traced %d blocks into %d bytes of prover input", len(blocks), len(words))
	return words, nil
}

// encodeTape lays out a batch's blocks as a flat, 32-bit-word-aligned
// tape: for each block, its height, transaction count, each
// transaction's length-prefixed raw payload, and the Merkle witness for
// every key that block's state diff touched — proof that the block's
// boundary root is consistent with the keys it wrote, not just the
// batch's final root.
func encodeTape(tree *merkletree.Tree, blocks []types.Block) ([]byte, error) {
	var tape []byte
	var word [4]byte

	appendU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(word[:], v)
		tape = append(tape, word[:]...)
	}
	appendU64 := func(v uint64) {
		appendU32(uint32(v))
		appendU32(uint32(v >> 32))
	}
	appendHash := func(h types.Hash) {
		tape = append(tape, h[:]...)
	}

	appendU32(uint32(len(blocks)))
	for _, b := range blocks {
		appendU64(b.Context.Height)
		appendHash(b.Context.ParentHash)
		appendU32(uint32(len(b.Txs)))
		for _, tx := range b.Txs {
			appendU32(uint32(len(tx.Raw)))
			tape = append(tape, tx.Raw...)
			if pad := len(tx.Raw) % 4; pad != 0 {
				tape = append(tape, make([]byte, 4-pad)...)
			}
		}

		witnesses, err := tree.Prove(b.Context.Height, b.TouchedKeys)
		if err != nil {
			return nil, fmt.Errorf("witness for block %d: %w", b.Context.Height, err)
		}
		appendU32(uint32(len(witnesses)))
		for _, w := range witnesses {
			appendHash(w.Key)
			appendHash(w.Value)
			for _, sibling := range w.Siblings {
				appendHash(sibling)
			}
		}
	}
	return tape, nil
}

// runProgram is the single point of contact with zkvm_runtime. It loads
// the trace program, feeds it the tape as its input stream, runs it to
// completion, and returns the word trace it recorded.
func runProgram(ctx context.Context, programPath string, tape []byte) ([]byte, error) {
	rt, err := zkvm.NewRuntime(programPath)
	if err != nil {
		return nil, fmt.Errorf("zkrunner: load program %q: %w", programPath, err)
	}
	defer rt.Close()

	if err := rt.WriteInput(tape); err != nil {
		return nil, fmt.Errorf("zkrunner: write input: %w", err)
	}
	if err := rt.Run(ctx); err != nil {
		return nil, fmt.Errorf("zkrunner: run: %w", err)
	}
	return rt.ReadTrace(), nil
}
