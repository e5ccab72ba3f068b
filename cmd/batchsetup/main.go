// Batch circuit setup CLI.
// Runs the one-time Groth16 trusted setup for the batch state-transition
// circuit and writes the constraint system, proving key, and verifying
// key to disk.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zkroll/sequencer/pkg/prover"
)

func main() {
	outDir := flag.String("out", "./setup", "directory to write cs/pk/vk files into")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create output dir: %v\n", err)
		os.Exit(1)
	}

	pk, vk, cs, err := prover.CompileAndSetup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	csPath := *outDir + "/batch.cs"
	pkPath := *outDir + "/batch.pk"
	vkPath := *outDir + "/batch.vk"
	if err := prover.SaveSetup(csPath, pkPath, vkPath, pk, vk, cs); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s, %s, %s\n", csPath, pkPath, vkPath)
}
