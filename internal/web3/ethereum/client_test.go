package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
)

// simpleContractBin deploys a runtime that emits a single LOG1.
const simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

func newSimulatedClient(t *testing.T) (*Client, *simulated.Backend, *KeySigner) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))},
	}, simulated.WithBlockGasLimit(8_000_000))
	t.Cleanup(func() { _ = backend.Close() })

	client := NewBackendClient("simulated", backend.Client())
	client.SetPollInterval(10 * time.Millisecond)

	chainID, err := backend.Client().ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	signer := NewKeySignerFromECDSA(key, chainID, client)
	client.UseSigner(signer)
	return client, backend, signer
}

func TestClientDeployReadAndBlock(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, backend, signer := newSimulatedClient(t)

	pending, err := client.SendTransaction(ctx, web3.Transaction{Data: common.FromHex(simpleContractBin), GasLimit: 1_000_000})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	backend.Commit()

	receipt, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("deployment reverted")
	}
	if receipt.ContractAddress == (common.Address{}) {
		t.Fatal("expected contract address to be non-zero")
	}

	code, err := client.Code(ctx, receipt.ContractAddress)
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if len(code) == 0 {
		t.Fatal("expected deployed runtime code")
	}

	empty, err := client.Code(ctx, common.HexToAddress("0x0000000000000000000000000000000000000001"))
	if err != nil {
		t.Fatalf("code of eoa: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty code, got %x", empty)
	}

	balance, err := client.Balance(ctx, signer.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() <= 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	block, err := client.Block(ctx, nil, true)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if block.TxCount != 1 || len(block.Transactions) != 1 {
		t.Fatalf("expected one transaction in latest block, got %+v", block)
	}
	if block.Transactions[0].From != signer.Address() {
		t.Fatalf("unexpected sender %s", block.Transactions[0].From.Hex())
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}
}

func TestClientWithoutSigner(t *testing.T) {
	t.Parallel()

	backend := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewBackendClient("readonly", backend.Client())

	if client.Signer() != nil {
		t.Fatal("expected no signer")
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	_, err := client.SendTransaction(context.Background(), web3.Transaction{To: &to, Value: big.NewInt(1)})
	if !errors.Is(err, web3.ErrSignerRequired) {
		t.Fatalf("expected signer required, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeSignerRequired {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestKeySignerSignMessage(t *testing.T) {
	t.Parallel()

	client, _, signer := newSimulatedClient(t)
	_ = client

	message := []byte("chainpilot")
	sig, err := signer.SignMessage(context.Background(), message)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		t.Fatalf("unexpected signature length %d", len(sig))
	}
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Fatalf("recovered address mismatch")
	}
}
