// Copyright 2025 zkroll
//
// External-node replay client (spec §4.1, §6). A node running in
// external-node mode has no mempool or L1 write credentials of its own:
// it pulls WAL records from a peer's read-only rpcapi surface, appends
// them to its own local WAL, and replays them through the same executor
// every producing node uses — so the determinism check (I-P2) still
// applies to a follower that never produces a block itself.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/zkroll/sequencer/pkg/executor"
	"github.com/zkroll/sequencer/pkg/wal"
)

// Client pulls WAL records from a peer's /wal/read endpoint.
type Client struct {
	peerURL string
	http    *http.Client
}

// New constructs a Client targeting the given peer base URL (e.g.
// "http://sequencer-0:8080").
func New(peerURL string) *Client {
	return &Client{peerURL: peerURL, http: &http.Client{Timeout: 10 * time.Second}}
}

// ErrNotYetProduced indicates the peer has not produced the requested
// height yet; callers should back off and retry.
var ErrNotYetProduced = fmt.Errorf("replay: height not yet produced by peer")

// Fetch retrieves the WAL record for height from the peer.
func (c *Client) Fetch(ctx context.Context, height uint64) (wal.Record, error) {
	url := fmt.Sprintf("%s/wal/read?height=%d", c.peerURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wal.Record{}, fmt.Errorf("replay: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wal.Record{}, fmt.Errorf("replay: fetch height %d: %w", height, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return wal.Record{}, ErrNotYetProduced
	}
	if resp.StatusCode != http.StatusOK {
		return wal.Record{}, fmt.Errorf("replay: peer returned status %d for height %d", resp.StatusCode, height)
	}

	var rec wal.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return wal.Record{}, fmt.Errorf("replay: decode height %d: %w", height, err)
	}
	return rec, nil
}

// Follower drives the external-node replay loop: fetch the next height
// from the peer, append it to the local WAL, and replay it.
type Follower struct {
	client       *Client
	wal          *wal.WAL
	executor     *executor.Executor
	pollInterval time.Duration
	logger       *log.Logger
}

// NewFollower constructs a Follower.
func NewFollower(client *Client, w *wal.WAL, exec *executor.Executor, pollInterval time.Duration) *Follower {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Follower{
		client:       client,
		wal:          w,
		executor:     exec,
		pollInterval: pollInterval,
		logger:       log.New(os.Stderr, "[replay] ", log.LstdFlags),
	}
}

// Run pulls and replays blocks forever until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next := uint64(0)
		if height, has := f.wal.Tip(); has {
			next = height + 1
		}

		rec, err := f.client.Fetch(ctx, next)
		if err != nil {
			if err == ErrNotYetProduced {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				continue
			}
			return err
		}

		if err := f.wal.Append(next, rec); err != nil {
			return fmt.Errorf("replay: append height %d: %w", next, err)
		}
		if _, err := f.executor.Replay(ctx, next); err != nil {
			return fmt.Errorf("replay: height %d: %w", next, err)
		}
		f.logger.Printf("replayed height %d", next)
	}
}
