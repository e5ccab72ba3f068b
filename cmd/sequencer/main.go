// Copyright 2025 zkroll
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zkroll/sequencer/pkg/batcher"
	"github.com/zkroll/sequencer/pkg/config"
	"github.com/zkroll/sequencer/pkg/executor"
	"github.com/zkroll/sequencer/pkg/kvdb"
	"github.com/zkroll/sequencer/pkg/l1client"
	"github.com/zkroll/sequencer/pkg/l1senders"
	"github.com/zkroll/sequencer/pkg/mempool"
	"github.com/zkroll/sequencer/pkg/merkletree"
	"github.com/zkroll/sequencer/pkg/pipeline"
	"github.com/zkroll/sequencer/pkg/prioritytree"
	"github.com/zkroll/sequencer/pkg/prover"
	"github.com/zkroll/sequencer/pkg/receipts"
	"github.com/zkroll/sequencer/pkg/replay"
	"github.com/zkroll/sequencer/pkg/rpcapi"
	"github.com/zkroll/sequencer/pkg/state"
	"github.com/zkroll/sequencer/pkg/types"
	"github.com/zkroll/sequencer/pkg/vm"
	"github.com/zkroll/sequencer/pkg/wal"
	"github.com/zkroll/sequencer/pkg/zkrunner"
)

// health tracks per-component status for the /health endpoint: it
// reports the node's uptime and each component's running flag and last
// error; no overall ok/degraded/error summary is computed.
type health struct {
	mu      sync.RWMutex
	fabric  *pipeline.Fabric
	started time.Time
}

func (h *health) ToJSON() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	body := map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"components":     h.fabric.Statuses(),
	}
	data, _ := json.Marshal(body)
	return data
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	externalNode := cfg.ReplayPeer != ""
	if externalNode {
		log.Printf("starting in external-node mode, following %s", cfg.ReplayPeer)
	} else {
		log.Printf("starting as producing sequencer node %s", cfg.NodeID)
	}

	walKV, err := kvdb.Open("wal", cfg.DataDir)
	if err != nil {
		log.Fatalf("open wal store: %v", err)
	}
	stateKV, err := kvdb.Open("state", cfg.DataDir)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	treeKV, err := kvdb.Open("merkletree", cfg.DataDir)
	if err != nil {
		log.Fatalf("open merkle tree store: %v", err)
	}
	priorityManagerKV, err := kvdb.Open("prioritytree", cfg.DataDir)
	if err != nil {
		log.Fatalf("open priority tree store: %v", err)
	}
	priorityTreeKV, err := kvdb.Open("prioritytree_merkle", cfg.DataDir)
	if err != nil {
		log.Fatalf("open priority tree merkle store: %v", err)
	}

	w, err := wal.Open(walKV, wal.Config{
		CommitWindow: cfg.WALCommitWindow.Duration(),
		CommitCount:  cfg.WALCommitCount,
	})
	if err != nil {
		log.Fatalf("open wal: %v", err)
	}
	defer w.Close()

	st, err := state.Open(stateKV)
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	defer st.Close()

	tree, err := merkletree.Open(treeKV)
	if err != nil {
		log.Fatalf("open merkle tree: %v", err)
	}
	defer tree.Close()

	priorityTree, err := merkletree.Open(priorityTreeKV)
	if err != nil {
		log.Fatalf("open priority merkle tree: %v", err)
	}
	defer priorityTree.Close()

	priorityMgr, err := prioritytree.Open(priorityManagerKV, priorityTree)
	if err != nil {
		log.Fatalf("open priority tree manager: %v", err)
	}

	var receiptsRepo executor.ReceiptWriter = executor.NewNoopReceiptWriter()
	var receiptsReader rpcapi.ReceiptReader = noopReceiptReader{}
	if cfg.DatabaseURL != "" {
		repo, err := receipts.Open(receipts.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatalf("open receipts repository: %v", err)
		}
		defer repo.Close()
		receiptsRepo = repo
		receiptsReader = repo
	} else {
		log.Printf("DATABASE_URL not set, receipts repository disabled")
	}

	mp := mempool.New(priorityMgr)

	runner := zkrunner.New(cfg.ZkProgramPath, tree)

	fabric := pipeline.New()
	h := &health{fabric: fabric, started: time.Now()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fatalCh := pipeline.NewBounded[error](1)
	downstream := pipeline.NewBounded[types.Block](cfg.Channels.ExecutorToBatcher)

	exec := executor.New(w, st, receiptsRepo, tree, mp, vm.NewNoop(), downstream, fatalCh)

	sealedCh := pipeline.NewBounded[batcher.Batch](cfg.Channels.SealedBatches)
	b, err := batcher.Open(treeKVForBatcher(cfg), runner, batcher.Config{
		MaxBlocks:     cfg.Sealing.MaxBlocks,
		MaxWordBudget: cfg.Sealing.MaxWordBudget,
		SealDeadline:  cfg.Sealing.SealDeadline.Duration(),
	}, sealedCh)
	if err != nil {
		log.Fatalf("open batcher: %v", err)
	}
	defer b.Close()

	rpc := rpcapi.New(st, receiptsReader, w, tree, b)

	// Shutdown is staged tier-by-tier (spec §5: "a shared shutdown signal
	// drains channels in upstream-first order"): tier 0 is the block
	// source (producer or replay-follower) plus the servers and the
	// fatal watchdog, none of which hold in-flight batch state. Each
	// later tier's channel is closed once the tier that feeds it has
	// fully drained, so a sender finishes persisting whatever was
	// already queued before it is cancelled itself.
	const (
		tierSource = iota
		tierBatchIntake
		tierCommit
		tierProve
		tierExecute
	)

	pipeline.CloseWhenDone(downstream, fabric.TierDone(tierSource))

	fabric.RegisterTier(tierSource, "fatal-watch", func(ctx context.Context) error {
		select {
		case err := <-fatalCh:
			return fmt.Errorf("fatal error reported: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	fabric.RegisterTier(tierBatchIntake, "batch-intake", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case block, ok := <-downstream:
				if !ok {
					return nil
				}
				if err := b.AddBlock(ctx, block); err != nil {
					return fmt.Errorf("batch intake: %w", err)
				}
			}
		}
	})

	fabric.RegisterTier(tierSource, "rpc-server", func(ctx context.Context) error {
		return serveUntilDone(ctx, cfg.RPCAddr, rpc.Mux())
	})

	fabric.RegisterTier(tierSource, "health-server", func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write(h.ToJSON())
		})
		return serveUntilDone(ctx, cfg.HealthAddr, mux)
	})

	if externalNode {
		client := replay.New(cfg.ReplayPeer)
		follower := replay.NewFollower(client, w, exec, time.Second)
		fabric.RegisterTier(tierSource, "replay-follower", follower.Run)
	} else {
		fabric.RegisterTier(tierSource, "producer", func(ctx context.Context) error {
			return runProducer(ctx, exec, w, cfg)
		})

		contractAddr := common.HexToAddress(cfg.ContractAddress)
		l1, err := l1client.Dial(cfg.EthereumURL, cfg.EthChainID, contractAddr, cfg.EthPrivateKey)
		if err != nil {
			log.Fatalf("dial l1 client: %v", err)
		}
		defer l1.Close()

		retryPolicy := l1senders.RetryPolicy{
			MaxAttempts:         cfg.Retry.MaxAttempts,
			InitialGasPriceGwei: cfg.Retry.InitialGasPriceGwei,
			GasBumpPercent:      cfg.Retry.GasBumpPercent,
			RetryInterval:       cfg.Retry.RetryInterval.Duration(),
			ReceiptPollInterval: cfg.Retry.ReceiptPollInterval.Duration(),
		}

		committedCh := pipeline.NewBounded[batcher.Batch](cfg.Channels.CommittedBatches)
		provenCh := pipeline.NewBounded[batcher.Batch](cfg.Channels.ProvenBatches)
		proofsCh := pipeline.NewBounded[prover.Submission](cfg.Channels.ProofSubmissions)

		pipeline.CloseWhenDone(sealedCh, fabric.TierDone(tierBatchIntake))
		pipeline.CloseWhenDone(committedCh, fabric.TierDone(tierCommit))
		pipeline.CloseWhenDone(provenCh, fabric.TierDone(tierProve))
		pipeline.CloseWhenDone(proofsCh, fabric.TierDone(tierCommit))

		commitSender := l1senders.NewCommitSender(l1, b, tree, sealedCh, committedCh, retryPolicy)
		proveSender := l1senders.NewProveSender(l1, b, committedCh, proofsCh, provenCh, retryPolicy)
		executeSender := l1senders.NewExecuteSender(l1, b, priorityMgr, provenCh, retryPolicy)

		fabric.RegisterTier(tierCommit, "commit-sender", commitSender.Run)
		fabric.RegisterTier(tierProve, "prove-sender", proveSender.Run)
		fabric.RegisterTier(tierExecute, "execute-sender", executeSender.Run)

		pullAPI := prover.NewPullAPI(b, proofsCh)
		if cfg.UseDummyProver {
			dummy := prover.NewDummyProver(pullAPI, cfg.DummyProverInterval.Duration())
			fabric.RegisterTier(tierCommit, "dummy-prover", dummy.Run)
		} else {
			log.Printf("USE_DUMMY_PROVER=false: sealed batches will accumulate undriven unless an external prover calls the pull API")
		}
	}

	log.Printf("sequencer node ready: rpc=%s health=%s", cfg.RPCAddr, cfg.HealthAddr)
	if err := fabric.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("pipeline stopped with error: %v", err)
		os.Exit(1)
	}
	log.Printf("sequencer node stopped")
}

// noopReceiptReader backs rpcapi's ReceiptReader when receipts storage
// is disabled (no DATABASE_URL configured), so the RPC surface stays up
// and reports "not found" rather than the handlers being wired to a nil
// *receipts.Repository.
type noopReceiptReader struct{}

func (noopReceiptReader) GetTx(context.Context, types.Hash) (types.Receipt, bool, error) {
	return types.Receipt{}, false, nil
}

func (noopReceiptReader) GetBlockReceipts(context.Context, uint64) ([]types.Receipt, error) {
	return nil, nil
}

// treeKVForBatcher is a thin indirection so the batcher's own persisted
// index/height cursor lives in its own namespace, distinct from the
// state Merkle tree's namespace.
func treeKVForBatcher(cfg *config.Config) kvdb.KV {
	kv, err := kvdb.Open("batcher", cfg.DataDir)
	if err != nil {
		log.Fatalf("open batcher store: %v", err)
	}
	return kv
}

func runProducer(ctx context.Context, exec *executor.Executor, w *wal.WAL, cfg *config.Config) error {
	ticker := time.NewTicker(cfg.BlockInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			blockCtx := types.BlockContext{Timestamp: time.Now()}
			if height, has := w.Tip(); has {
				blockCtx.Height = height + 1
				if parent, err := w.Read(height); err == nil {
					blockCtx.ParentHash = parent.BlockHash
				}
			}
			if _, err := exec.Produce(ctx, blockCtx, cfg.MaxTxsPerBlock); err != nil {
				log.Printf("produce height %d failed: %v", blockCtx.Height, err)
			}
		}
	}
}

func serveUntilDone(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", addr, err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	}
}
