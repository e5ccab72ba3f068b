// Copyright 2025 zkroll
//
// External L1 client (spec §6): a generic submit/query transport over a
// go-ethereum JSON-RPC endpoint, used by the three L1 senders to call
// the settlement contract's commit/prove/execute entry points and poll
// for receipt confirmation. This is intentionally thin — the actual L1
// client transport and contract are out of scope (spec §1, Non-goals);
// what this package gives the senders is a real, idiomatic way to wire
// go-ethereum rather than a mock.
package l1client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// sequencerRollupABI is the settlement contract's entry points for the
// three batch lifecycle phases (spec §4.9).
const sequencerRollupABI = `[
	{
		"inputs": [
			{"name": "batchIndex", "type": "uint64"},
			{"name": "fromHeight", "type": "uint64"},
			{"name": "toHeight", "type": "uint64"},
			{"name": "root", "type": "bytes32"}
		],
		"name": "commitBatch",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "batchIndex", "type": "uint64"},
			{"name": "proof", "type": "bytes"}
		],
		"name": "proveBatch",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "batchIndex", "type": "uint64"},
			{"name": "priorityInclusionProof", "type": "bytes"}
		],
		"name": "executeBatch",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Client is a thin transport over a settlement contract: pack a method
// call, sign and send it, and poll for its receipt.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	address    common.Address
	logger     *log.Logger
}

// Dial connects to an Ethereum-compatible JSON-RPC endpoint and prepares
// a Client bound to the settlement contract at contractAddr, signing
// transactions with privateKeyHex.
func Dial(url string, chainID int64, contractAddr common.Address, privateKeyHex string) (*Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("l1client: dial %q: %w", url, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(sequencerRollupABI))
	if err != nil {
		return nil, fmt.Errorf("l1client: parse abi: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("l1client: parse private key: %w", err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		eth.Close()
		return nil, errors.New("l1client: public key is not ECDSA")
	}

	return &Client{
		eth:        eth,
		chainID:    big.NewInt(chainID),
		contract:   contractAddr,
		abi:        parsedABI,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		logger:     log.New(os.Stderr, "[l1client] ", log.LstdFlags),
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Call packs method(args...), signs it at gasPrice, and broadcasts it,
// returning the transaction hash for the caller to wait on.
func (c *Client) Call(ctx context.Context, method string, gasPrice *big.Int, args ...any) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l1client: pack %s: %w", method, err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l1client: nonce: %w", err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("l1client: estimate gas for %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l1client: sign %s: %w", method, err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("l1client: send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// SuggestGasPrice returns the network's current suggested gas price, the
// starting point for a sender's fee-bump curve.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("l1client: suggest gas price: %w", err)
	}
	return price, nil
}

// WaitReceipt polls for txHash's receipt until it appears, ctx is
// cancelled, or deadline elapses.
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash, pollInterval time.Duration) (*types.Receipt, error) {
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("l1client: receipt %s: %w", txHash, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
