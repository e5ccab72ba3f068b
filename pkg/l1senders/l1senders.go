// Copyright 2025 zkroll
//
// L1 Senders (spec §4.9, component C9). Three independent, strictly
// sequential-per-phase pipelines drive a batch through
// Sealed -> Committed -> Proven -> Executed (I6): commit, prove, and
// execute. Each phase only ever submits batch N+1 after batch N's
// transaction for that same phase has confirmed, and a later phase
// never gets ahead of an earlier one for the same batch, since each
// sender only receives a batch once the prior phase has forwarded it.
package l1senders

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/zkroll/sequencer/pkg/l1client"
)

// RetryPolicy is the shared retry/fee-bump curve for all three senders.
type RetryPolicy struct {
	MaxAttempts         int
	InitialGasPriceGwei int64
	GasBumpPercent      int64
	RetryInterval       time.Duration
	ReceiptPollInterval time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialGasPriceGwei <= 0 {
		p.InitialGasPriceGwei = 1
	}
	if p.GasBumpPercent <= 0 {
		p.GasBumpPercent = 15
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = 10 * time.Second
	}
	if p.ReceiptPollInterval <= 0 {
		p.ReceiptPollInterval = 2 * time.Second
	}
	return p
}

// sendWithRetry calls send with a gas price that bumps by
// GasBumpPercent on every attempt. send is expected to submit the
// transaction and block until its receipt confirms (or fails) before
// returning, so a successful return from send means the phase is done;
// sendWithRetry only controls the attempt/backoff/fee-bump loop around
// it. It returns an error once MaxAttempts is exhausted.
func sendWithRetry(ctx context.Context, client *l1client.Client, policy RetryPolicy, logger *log.Logger,
	label string, send func(gasPrice *big.Int) (txHashHex string, err error)) error {

	policy = policy.withDefaults()

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		gasPrice = big.NewInt(policy.InitialGasPriceGwei * 1_000_000_000)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		txHashHex, err := send(gasPrice)
		if err != nil {
			lastErr = err
			logger.Printf("%s: attempt %d send failed: %v", label, attempt, err)
		} else {
			logger.Printf("%s: attempt %d sent %s at gas price %s", label, attempt, txHashHex, gasPrice)
			return nil
		}

		bumped := new(big.Int).Mul(gasPrice, big.NewInt(100+policy.GasBumpPercent))
		gasPrice = bumped.Div(bumped, big.NewInt(100))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.RetryInterval):
		}
	}
	return fmt.Errorf("%s: exhausted %d attempts: %w", label, policy.MaxAttempts, lastErr)
}
