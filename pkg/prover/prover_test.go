// Copyright 2025 zkroll
package prover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/types"
)

type fakeTracer struct{}

func (fakeTracer) Trace(_ context.Context, blocks []types.Block) ([]byte, error) {
	return make([]byte, len(blocks)*4), nil
}

func openTestBatcherWithOneSealedBatch(t *testing.T) *batcher.Batcher {
	t.Helper()
	kv, err := kvdb.OpenMem(t.Name())
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	out := make(chan batcher.Batch, 8)
	b, err := batcher.Open(kv, fakeTracer{}, batcher.Config{MaxBlocks: 1}, out)
	if err != nil {
		t.Fatalf("batcher.Open: %v", err)
	}
	t.Cleanup(b.Close)
	if err := b.AddBlock(context.Background(), types.Block{Context: types.BlockContext{Height: 0}}); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	<-out
	return b
}

func TestPullAPINextInputNoBatchReady(t *testing.T) {
	kv, err := kvdb.OpenMem(t.Name())
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	b, err := batcher.Open(kv, fakeTracer{}, batcher.Config{}, make(chan batcher.Batch, 1))
	if err != nil {
		t.Fatalf("batcher.Open: %v", err)
	}
	defer b.Close()

	pull := NewPullAPI(b, make(chan Submission, 1))
	if _, err := pull.NextInput(context.Background()); !errors.Is(err, ErrNoBatchReady) {
		t.Fatalf("NextInput on empty batcher = %v, want ErrNoBatchReady", err)
	}
}

func TestPullAPIEachBatchPulledOnce(t *testing.T) {
	b := openTestBatcherWithOneSealedBatch(t)
	submissions := make(chan Submission, 1)
	pull := NewPullAPI(b, submissions)

	batch, err := pull.NextInput(context.Background())
	if err != nil {
		t.Fatalf("NextInput: %v", err)
	}
	if batch.Index != 0 {
		t.Errorf("batch.Index = %d, want 0", batch.Index)
	}

	if _, err := pull.NextInput(context.Background()); !errors.Is(err, ErrNoBatchReady) {
		t.Fatalf("second NextInput = %v, want ErrNoBatchReady", err)
	}
}

func TestSubmitProofForwardsToOut(t *testing.T) {
	b := openTestBatcherWithOneSealedBatch(t)
	submissions := make(chan Submission, 1)
	pull := NewPullAPI(b, submissions)

	if err := pull.SubmitProof(context.Background(), 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}

	select {
	case sub := <-submissions:
		if sub.BatchIndex != 0 || string(sub.Proof) != "\x01\x02\x03" {
			t.Errorf("submission = %+v, want BatchIndex=0 Proof=[1 2 3]", sub)
		}
	default:
		t.Fatal("expected a submission on the out channel")
	}
}

func TestDummyProverDrivesPullAPI(t *testing.T) {
	b := openTestBatcherWithOneSealedBatch(t)
	submissions := make(chan Submission, 1)
	pull := NewPullAPI(b, submissions)
	dp := NewDummyProver(pull, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dp.Run(ctx) }()

	select {
	case sub := <-submissions:
		if sub.BatchIndex != 0 {
			t.Errorf("submission.BatchIndex = %d, want 0", sub.BatchIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dummy prover did not submit a proof in time")
	}

	cancel()
	<-done
}
