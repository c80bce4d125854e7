package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "ChainPilot/internal/errors"
)

// ErrSignerRequired is returned by write operations when no signing key is
// connected to the client.
var ErrSignerRequired = xerrors.New(xerrors.CodeSignerRequired, "未连接签名账户，无法发送交易")

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Transaction is the chain-agnostic description of a call or transaction.
// A nil To denotes contract creation.
type Transaction struct {
	From     *common.Address
	To       *common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
}

// PendingTransaction is a submitted transaction that can be awaited.
type PendingTransaction interface {
	Hash() common.Hash
	// Wait blocks until the transaction is included in a block.
	Wait(ctx context.Context) (*types.Receipt, error)
}

// TransactionSummary is a compact view of a transaction inside a block.
type TransactionSummary struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *big.Int        `json:"value"`
	Input []byte          `json:"-"`
}

// Block is the subset of block data the pipeline consumes.
type Block struct {
	Number       uint64               `json:"number"`
	Hash         common.Hash          `json:"hash"`
	Timestamp    uint64               `json:"timestamp"`
	TxCount      int                  `json:"tx_count"`
	Transactions []TransactionSummary `json:"transactions,omitempty"`
}

// Signer holds the key that authorises write operations.
type Signer interface {
	Address() common.Address
	SendTransaction(ctx context.Context, tx Transaction) (PendingTransaction, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// Reader groups the read-only chain operations. None of them need a signer.
type Reader interface {
	Code(ctx context.Context, address common.Address) ([]byte, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Block(ctx context.Context, number *big.Int, includeTx bool) (*Block, error)
}

// Client defines the chain access port consumed by the contract pipeline.
type Client interface {
	Reader
	EstimateGas(ctx context.Context, tx Transaction) (uint64, error)
	// SendTransaction delegates to the connected signer and fails with
	// ErrSignerRequired when there is none.
	SendTransaction(ctx context.Context, tx Transaction) (PendingTransaction, error)
	// Signer returns the connected signer or nil.
	Signer() Signer
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
