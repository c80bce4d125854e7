package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
)

// KeySigner signs legacy transactions with an in-memory ECDSA key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	client  *Client
	// nonceMu serialises nonce allocation for back-to-back sends.
	nonceMu sync.Mutex
}

// NewKeySigner parses a hex private key (with or without 0x prefix).
func NewKeySigner(hexKey string, chainID *big.Int, client *Client) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return NewKeySignerFromECDSA(key, chainID, client), nil
}

// NewKeySignerFromECDSA wraps an already parsed key.
func NewKeySignerFromECDSA(key *ecdsa.PrivateKey, chainID *big.Int, client *Client) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		client:  client,
	}
}

// UseSigner attaches an already constructed signer to the client.
func (c *Client) UseSigner(signer *KeySigner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	signer.client = c
	c.signer = signer
}

// Address returns the account controlled by the key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignMessage produces an EIP-191 personal signature.
func (s *KeySigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名消息失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SendTransaction fills nonce, gas price and gas limit, signs and broadcasts.
func (s *KeySigner) SendTransaction(ctx context.Context, tx web3.Transaction) (web3.PendingTransaction, error) {
	if s.client == nil || s.client.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签名器未绑定链客户端")
	}
	backend := s.client.backend

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 nonce 失败")
	}
	gasPrice := tx.GasPrice
	if gasPrice == nil {
		if gasPrice, err = backend.SuggestGasPrice(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas 价格失败")
		}
	}
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		from := s.address
		estimate := tx
		estimate.From = &from
		if gasLimit, err = s.client.EstimateGas(ctx, estimate); err != nil {
			return nil, err
		}
	}

	unsigned := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       tx.To,
		Value:    value,
		Data:     tx.Data,
	})
	signed, err := coretypes.SignTx(unsigned, coretypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名交易失败")
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("发送交易 %s 失败", signed.Hash().Hex()))
	}
	return &pendingTx{hash: signed.Hash(), backend: backend, interval: s.client.pollInterval}, nil
}

var _ web3.Signer = (*KeySigner)(nil)
