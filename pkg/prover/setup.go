// Copyright 2025 zkroll
package prover

import (
	"fmt"
	"io"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// CompileAndSetup compiles BatchCircuit to R1CS and runs the Groth16
// trusted setup, producing a proving key, verifying key, and the
// compiled constraint system. It is a one-time, offline operation never
// invoked from the block-producing pipeline.
func CompileAndSetup() (groth16.ProvingKey, groth16.VerifyingKey, groth16.CompiledConstraintSystem, error) {
	var circuit BatchCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prover: compile batch circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prover: groth16 setup: %w", err)
	}
	return pk, vk, cs, nil
}

// SaveSetup writes the compiled constraint system and key pair to disk
// in gnark's native binary encoding.
func SaveSetup(csPath, pkPath, vkPath string, pk groth16.ProvingKey, vk groth16.VerifyingKey, cs groth16.CompiledConstraintSystem) error {
	if err := writeTo(csPath, cs); err != nil {
		return fmt.Errorf("prover: write constraint system: %w", err)
	}
	if err := writeTo(pkPath, pk); err != nil {
		return fmt.Errorf("prover: write proving key: %w", err)
	}
	if err := writeTo(vkPath, vk); err != nil {
		return fmt.Errorf("prover: write verifying key: %w", err)
	}
	return nil
}

func writeTo(path string, v io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = v.WriteTo(f)
	return err
}
