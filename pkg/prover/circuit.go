// Copyright 2025 zkroll
//
// BatchCircuit documents the arithmetic circuit a real proving backend
// would bind a batch's prover input to: the sealed batch's prior and
// posterior Merkle roots as public inputs, with the prover-input word
// trace as the private witness connecting them. The actual proving
// system is out of scope (spec §1, Non-goals) — this type is never
// compiled into a proof; it exists so the shape a real circuit would
// need is grounded in code rather than left to prose.
package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// BatchCircuit is the public/private input shape for proving one sealed
// batch's state transition.
type BatchCircuit struct {
	// PriorRoot is the Merkle tree root at FromHeight-1.
	PriorRoot frontend.Variable `gnark:",public"`

	// PosteriorRoot is the Merkle tree root at ToHeight.
	PosteriorRoot frontend.Variable `gnark:",public"`

	// PriorityRoot is the priority tree root consumed by the batch's
	// blocks, binding the batch to the priority transactions it
	// actually included.
	PriorityRoot frontend.Variable `gnark:",public"`

	// TraceDigest is a commitment to the prover-input word trace
	// (private: the real witness is the trace itself, which a circuit
	// of this shape would stream through rather than hold whole).
	TraceDigest frontend.Variable
}

// Define states the single constraint this placeholder circuit expresses:
// TraceDigest must be the MiMC hash of the three public roots, binding
// the private witness to the batch it claims to prove. It is never used
// to produce or verify an actual proof.
func (c *BatchCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.PriorRoot, c.PosteriorRoot, c.PriorityRoot)
	api.AssertIsEqual(h.Sum(), c.TraceDigest)
	return nil
}
