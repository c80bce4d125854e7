package explorer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/analyzer"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3"
)

type stubChain struct {
	code      map[common.Address][]byte
	blocks    map[uint64]*web3.Block
	latest    uint64
	codeCalls int
}

func (s *stubChain) Code(_ context.Context, address common.Address) ([]byte, error) {
	s.codeCalls++
	return s.code[address], nil
}
func (s *stubChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubChain) Call(context.Context, common.Address, []byte) ([]byte, error) { return nil, nil }
func (s *stubChain) Block(_ context.Context, number *big.Int, _ bool) (*web3.Block, error) {
	n := s.latest
	if number != nil {
		n = number.Uint64()
	}
	block, ok := s.blocks[n]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}
func (s *stubChain) EstimateGas(context.Context, web3.Transaction) (uint64, error) { return 0, nil }
func (s *stubChain) SendTransaction(context.Context, web3.Transaction) (web3.PendingTransaction, error) {
	return nil, web3.ErrSignerRequired
}
func (s *stubChain) Signer() web3.Signer { return nil }
func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (s *stubChain) Close() {}

func push4(selectors ...string) []byte {
	var code []byte
	for _, sel := range selectors {
		code = append(code, 0x63)
		code = append(code, common.FromHex(sel)...)
		code = append(code, 0x14, 0x57)
	}
	return code
}

const (
	tokenAddress = "0x00000000000000000000000000000000000000aa"
	proxyAddress = "0x00000000000000000000000000000000000000bb"
)

func newExplorer(chain *stubChain, opts ...Option) *Explorer {
	return New(analyzer.NewEngine(chain), toolgen.NewGenerator(chain), opts...)
}

func newChain() *stubChain {
	return &stubChain{code: map[common.Address][]byte{
		common.HexToAddress(tokenAddress): push4("0xa9059cbb", "0x095ea7b3", "0x70a08231"),
		// upgradeTo, owner, pause
		common.HexToAddress(proxyAddress): push4("0x3659cfe6", "0x8da5cb5b", "0x8456cb59"),
	}}
}

func TestAssessRiskCriticalForUpgradeOwnerPause(t *testing.T) {
	info := &contract.Info{Functions: []contract.Function{{Name: "upgrade"}, {Name: "owner"}, {Name: "pause"}}}
	risk := AssessRisk(info)
	if risk.Score < 80 || risk.Level != RiskCritical {
		t.Fatalf("expected critical risk, got %+v", risk)
	}
	if len(risk.Factors) != 4 || len(risk.Recommendations) != 4 {
		t.Fatalf("expected one factor and recommendation per trait, got %+v", risk)
	}
}

func TestAssessRiskScoring(t *testing.T) {
	cases := []struct {
		name  string
		info  *contract.Info
		score int
		level string
	}{
		{"verified plain", &contract.Info{Verified: true, Functions: []contract.Function{{Name: "balanceOf"}}}, 0, RiskLow},
		{"unverified", &contract.Info{}, 30, RiskMedium},
		{"mint and burn once", &contract.Info{Verified: true, Functions: []contract.Function{{Name: "mint"}, {Name: "burn"}}}, 15, RiskLow},
		{"implementation and admin", &contract.Info{Verified: true, Functions: []contract.Function{{Name: "implementation"}, {Name: "admin"}}}, 65, RiskHigh},
	}
	for _, tc := range cases {
		risk := AssessRisk(tc.info)
		if risk.Score != tc.score || risk.Level != tc.level {
			t.Fatalf("%s: expected %d/%s, got %d/%s", tc.name, tc.score, tc.level, risk.Score, risk.Level)
		}
	}
	if RiskLevel(59) != RiskMedium || RiskLevel(60) != RiskHigh || RiskLevel(29) != RiskLow {
		t.Fatal("unexpected thresholds")
	}
}

func TestExploreAddressCachesAndAddsToolsLater(t *testing.T) {
	chain := newChain()
	explorer := newExplorer(chain)
	ctx := context.Background()

	result, err := explorer.ExploreContracts(ctx, Request{Address: proxyAddress})
	if err != nil || !result.Success {
		t.Fatalf("explore: %v", err)
	}
	data := result.Contracts[0]
	if len(data.Tools) != 0 {
		t.Fatal("tools not requested")
	}
	if data.Risk.Level != RiskCritical {
		t.Fatalf("expected critical risk for proxy, got %+v", data.Risk)
	}
	if data.History == nil || len(data.History) != 0 {
		t.Fatal("missing history must be an empty list")
	}

	result, err = explorer.ExploreContracts(ctx, Request{Address: proxyAddress, IncludeTools: true})
	if err != nil {
		t.Fatalf("explore with tools: %v", err)
	}
	if len(result.Contracts[0].Tools) == 0 {
		t.Fatal("expected tools to be generated on cache hit")
	}
	if result.Contracts[0].Contract != data.Contract {
		t.Fatal("contract info must be reused from cache")
	}
	if chain.codeCalls != 1 {
		t.Fatalf("expected a single chain read, got %d", chain.codeCalls)
	}
}

func TestExploreEmptyAddressFails(t *testing.T) {
	explorer := newExplorer(newChain())
	result, err := explorer.ExploreContracts(context.Background(), Request{Address: "0x0000000000000000000000000000000000000001"})
	if !xerrors.HasCode(err, xerrors.CodeNoContract) || result.Success {
		t.Fatalf("expected NO_CONTRACT failure, got %v", err)
	}
	if _, err := explorer.ExploreContracts(context.Background(), Request{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestSearchBySignatureUsesCacheOnly(t *testing.T) {
	chain := newChain()
	explorer := newExplorer(chain)
	ctx := context.Background()

	result, _ := explorer.ExploreContracts(ctx, Request{FunctionSignature: "transfer"})
	if !result.Success || len(result.Contracts) != 0 || len(result.Suggestions) == 0 {
		t.Fatalf("empty cache must yield no matches, got %+v", result)
	}

	for _, addr := range []string{tokenAddress, proxyAddress} {
		if _, err := explorer.ExploreContracts(ctx, Request{Address: addr}); err != nil {
			t.Fatalf("explore %s: %v", addr, err)
		}
	}
	calls := chain.codeCalls

	for query, want := range map[string]string{
		"transfer":                  tokenAddress,
		"TRANSFER(ADDRESS,UINT256)": tokenAddress,
		"0xa9059cbb":                tokenAddress,
		"upgradeTo":                 proxyAddress,
	} {
		result, err := explorer.ExploreContracts(ctx, Request{FunctionSignature: query})
		if err != nil {
			t.Fatalf("search %s: %v", query, err)
		}
		if len(result.Contracts) != 1 || result.Contracts[0].Address != want {
			t.Fatalf("search %s: unexpected matches %+v", query, result.Contracts)
		}
	}
	if chain.codeCalls != calls {
		t.Fatal("signature search must not touch the chain")
	}
}

func TestClearCacheCascades(t *testing.T) {
	chain := newChain()
	engine := analyzer.NewEngine(chain)
	generator := toolgen.NewGenerator(chain)
	explorer := New(engine, generator)
	ctx := context.Background()

	if _, err := explorer.ExploreContracts(ctx, Request{Address: tokenAddress, IncludeTools: true}); err != nil {
		t.Fatalf("explore: %v", err)
	}
	if _, ok := explorer.ContractFunctions(ctx, tokenAddress); !ok {
		t.Fatal("expected cached functions")
	}

	if err := explorer.ClearCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := engine.CachedContract(ctx, tokenAddress); ok {
		t.Fatal("analysis cache not cleared")
	}
	if _, ok := generator.Tools(ctx, tokenAddress); ok {
		t.Fatal("tool cache not cleared")
	}
	if _, ok := explorer.ContractFunctions(ctx, tokenAddress); ok {
		t.Fatal("exploration cache not cleared")
	}

	info, err := explorer.ContractInfo(ctx, tokenAddress)
	if err != nil || info == nil || chain.codeCalls != 2 {
		t.Fatalf("ContractInfo must analyze on miss: %v calls=%d", err, chain.codeCalls)
	}
}

func TestChainHistorySource(t *testing.T) {
	target := common.HexToAddress(tokenAddress)
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	chain := newChain()
	chain.latest = 3
	chain.blocks = map[uint64]*web3.Block{
		3: {Number: 3, Transactions: []web3.TransactionSummary{
			{Hash: common.HexToHash("0x03"), From: other, To: &target, Value: big.NewInt(0), Input: common.FromHex("0xa9059cbb00")},
		}},
		2: {Number: 2, Transactions: []web3.TransactionSummary{
			{Hash: common.HexToHash("0x02"), From: other, To: &other, Value: big.NewInt(1)},
		}},
		1: {Number: 1, Transactions: []web3.TransactionSummary{
			{Hash: common.HexToHash("0x01"), From: target, To: &other, Value: big.NewInt(5)},
		}},
		0: {Number: 0},
	}

	source := NewChainHistorySource(chain, 10)
	history, err := source.History(context.Background(), tokenAddress, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two interactions, got %+v", history)
	}
	if history[0].BlockNumber != 3 || history[0].Function != "transfer" {
		t.Fatalf("unexpected newest interaction %+v", history[0])
	}
	if history[1].Value != "5" {
		t.Fatalf("unexpected older interaction %+v", history[1])
	}

	limited, _ := source.History(context.Background(), tokenAddress, 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %+v", limited)
	}

	explorer := newExplorer(chain, WithHistorySource(source))
	result, err := explorer.ExploreContracts(context.Background(), Request{Address: tokenAddress})
	if err != nil || len(result.Contracts[0].History) != 2 {
		t.Fatalf("history not attached: %v", err)
	}
}
