package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name       string
	RPCURL     string
	PrivateKey string
	Notes      string
	// PollInterval controls how often receipts are polled while waiting.
	PollInterval time.Duration
}

// Backend is the go-ethereum surface the client needs. Both *ethclient.Client
// and the simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainStateReader
	gethcore.ContractCaller
	gethcore.GasEstimator
	gethcore.GasPricer
	gethcore.TransactionSender
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	backend      Backend
	closer       func()
	signer       *KeySigner
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client := newClient(cfg, eth)
	client.closer = eth.Close
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		if err := client.ConnectKey(ctx, key); err != nil {
			eth.Close()
			return nil, err
		}
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, e.g. the simulated one in tests.
func NewBackendClient(name string, backend Backend) *Client {
	return newClient(Config{Name: name, Notes: "custom backend"}, backend)
}

func newClient(cfg Config, backend Backend) *Client {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		backend:      backend,
		pollInterval: interval,
	}
}

// ConnectKey attaches a hex encoded private key as the signer.
func (c *Client) ConnectKey(ctx context.Context, hexKey string) error {
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("获取链 ID 失败: %w", err)
	}
	signer, err := NewKeySigner(hexKey, chainID, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.signer = signer
	c.mu.Unlock()
	return nil
}

// SetPollInterval overrides the receipt polling interval.
func (c *Client) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		c.pollInterval = interval
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Signer returns the connected signer or nil.
func (c *Client) Signer() web3.Signer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signer == nil {
		return nil
	}
	return c.signer
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Code returns the deployed bytecode at address.
func (c *Client) Code(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取合约代码失败")
	}
	return code, nil
}

// Balance returns the wei balance of address.
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return balance, nil
}

// Call executes a message call without creating a transaction.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := gethcore.CallMsg{To: &to, Data: data}
	if signer := c.Signer(); signer != nil {
		msg.From = signer.Address()
	}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "合约调用失败")
	}
	return out, nil
}

// EstimateGas estimates the gas required to execute tx.
func (c *Client) EstimateGas(ctx context.Context, tx web3.Transaction) (uint64, error) {
	msg := gethcore.CallMsg{To: tx.To, Data: tx.Data, Value: tx.Value, GasPrice: tx.GasPrice}
	switch {
	case tx.From != nil:
		msg.From = *tx.From
	case c.Signer() != nil:
		msg.From = c.Signer().Address()
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 gas 失败")
	}
	return gas, nil
}

// SendTransaction signs and broadcasts tx using the connected signer.
func (c *Client) SendTransaction(ctx context.Context, tx web3.Transaction) (web3.PendingTransaction, error) {
	signer := c.Signer()
	if signer == nil {
		return nil, web3.ErrSignerRequired
	}
	return signer.SendTransaction(ctx, tx)
}

// Block fetches a block by number; nil means the latest block.
func (c *Client) Block(ctx context.Context, number *big.Int, includeTx bool) (*web3.Block, error) {
	block, err := c.backend.BlockByNumber(ctx, number)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取区块信息失败")
	}
	result := &web3.Block{
		Number:    block.NumberU64(),
		Hash:      block.Hash(),
		Timestamp: block.Time(),
		TxCount:   len(block.Transactions()),
	}
	if !includeTx {
		return result, nil
	}
	result.Transactions = make([]web3.TransactionSummary, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		summary := web3.TransactionSummary{Hash: tx.Hash(), To: tx.To(), Value: tx.Value(), Input: tx.Data()}
		if from, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
			summary.From = from
		}
		result.Transactions = append(result.Transactions, summary)
	}
	return result, nil
}

// pendingTx waits for inclusion by polling the receipt.
type pendingTx struct {
	hash     common.Hash
	backend  Backend
	interval time.Duration
}

func (p *pendingTx) Hash() common.Hash { return p.hash }

func (p *pendingTx) Wait(ctx context.Context) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时")
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
