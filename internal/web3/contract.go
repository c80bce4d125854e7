package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
)

// TransactOpts carries the optional overrides for a state-changing call.
type TransactOpts struct {
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
}

// Contract binds an ABI to an address on top of a chain Client, in the
// manner of an ethers contract object.
type Contract struct {
	address common.Address
	abi     abi.ABI
	client  Client
}

// NewContract parses the ABI JSON and returns a binding.
func NewContract(address common.Address, abiJSON string, client Client) (*Contract, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 ABI 失败")
	}
	return &Contract{address: address, abi: parsed, client: client}, nil
}

// Address returns the bound address.
func (c *Contract) Address() common.Address {
	return c.address
}

// ABI returns the parsed ABI.
func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// Call performs a read-only invocation and decodes the outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeFunctionNotFound, "合约未定义方法 %s", method)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 参数失败", method))
	}
	output, err := c.client.Call(ctx, c.address, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("调用 %s 失败", method))
	}
	values, err := m.Outputs.Unpack(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepExecutionFailed, err, fmt.Sprintf("解码 %s 返回值失败", method))
	}
	return values, nil
}

// Transact submits a state-changing invocation through the client's signer.
func (c *Contract) Transact(ctx context.Context, opts TransactOpts, method string, args ...any) (PendingTransaction, error) {
	if c.client.Signer() == nil {
		return nil, ErrSignerRequired
	}
	if _, ok := c.abi.Methods[method]; !ok {
		return nil, xerrors.Newf(xerrors.CodeFunctionNotFound, "合约未定义方法 %s", method)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 参数失败", method))
	}
	to := c.address
	return c.client.SendTransaction(ctx, Transaction{
		To:       &to,
		Data:     data,
		Value:    opts.Value,
		GasLimit: opts.GasLimit,
		GasPrice: opts.GasPrice,
	})
}
