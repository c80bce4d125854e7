package analyzer

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/web3"
)

type stubReader struct {
	code      map[common.Address][]byte
	codeCalls int
	err       error
}

func (s *stubReader) Code(_ context.Context, address common.Address) ([]byte, error) {
	s.codeCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.code[address], nil
}

func (s *stubReader) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubReader) Call(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (s *stubReader) Block(context.Context, *big.Int, bool) (*web3.Block, error) {
	return &web3.Block{}, nil
}

// push4 assembles PUSH4 <selector> instructions separated by a JUMPI-like filler.
func push4(selectors ...string) []byte {
	var code []byte
	for _, sel := range selectors {
		code = append(code, opPush4)
		code = append(code, common.FromHex(sel)...)
		code = append(code, 0x14, 0x61, 0x00, 0x10, 0x57)
	}
	return code
}

const (
	tokenAddress = "0x00000000000000000000000000000000000000aa"
	emptyAddress = "0x0000000000000000000000000000000000000001"
)

func TestAnalyzeEmptyCodeFailsWithoutCaching(t *testing.T) {
	reader := &stubReader{code: map[common.Address][]byte{}}
	engine := NewEngine(reader)

	result, err := engine.AnalyzeContract(context.Background(), emptyAddress)
	if !xerrors.HasCode(err, xerrors.CodeNoContract) {
		t.Fatalf("expected NO_CONTRACT, got %v", err)
	}
	if result == nil || result.Success || result.Confidence != 0 || result.Error == "" {
		t.Fatalf("unexpected failure result %+v", result)
	}
	if _, ok := engine.CachedContract(context.Background(), emptyAddress); ok {
		t.Fatal("empty code must not be cached")
	}
}

func TestAnalyzeInvalidAddress(t *testing.T) {
	reader := &stubReader{}
	engine := NewEngine(reader)

	result, err := engine.AnalyzeContract(context.Background(), "0x1234")
	if !xerrors.HasCode(err, xerrors.CodeInvalidAddress) {
		t.Fatalf("expected INVALID_ADDRESS, got %v", err)
	}
	if result.Success || reader.codeCalls != 0 {
		t.Fatal("invalid address must fail before touching the chain")
	}
}

func TestAnalyzeChainFailure(t *testing.T) {
	engine := NewEngine(&stubReader{err: errors.New("connection refused")})
	_, err := engine.AnalyzeContract(context.Background(), tokenAddress)
	if !xerrors.HasCode(err, xerrors.CodeChainFailure) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable chain failure, got %v", err)
	}
}

func TestAnalyzeIsCachedAndIdempotent(t *testing.T) {
	addr := common.HexToAddress(tokenAddress)
	reader := &stubReader{code: map[common.Address][]byte{
		addr: push4("0xa9059cbb", "0x095ea7b3", "0x70a08231", "0xdeadbeef"),
	}}
	engine := NewEngine(reader)
	ctx := context.Background()

	first, err := engine.AnalyzeContract(ctx, tokenAddress)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !first.Success || first.Confidence != ConfidenceHeuristic || first.Source != SourceHeuristic {
		t.Fatalf("unexpected first result %+v", first)
	}
	if first.Contract.Verified {
		t.Fatal("heuristic analysis must not be verified")
	}

	second, err := engine.AnalyzeContract(ctx, "0x00000000000000000000000000000000000000AA")
	if err != nil {
		t.Fatalf("analyze again: %v", err)
	}
	if second.Contract != first.Contract {
		t.Fatal("cached analysis must return the identical contract info")
	}
	if second.Confidence != ConfidenceCached || second.Source != SourceCache {
		t.Fatalf("unexpected cached result %+v", second)
	}
	if reader.codeCalls != 1 {
		t.Fatalf("expected a single chain read, got %d", reader.codeCalls)
	}

	if err := engine.ClearCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	third, _ := engine.AnalyzeContract(ctx, tokenAddress)
	if third.Contract == first.Contract || reader.codeCalls != 2 {
		t.Fatal("clear cache must force a fresh analysis")
	}
}

func TestHeuristicUpgradesKnownSelectorsAndRanksERC20(t *testing.T) {
	addr := common.HexToAddress(tokenAddress)
	reader := &stubReader{code: map[common.Address][]byte{
		addr: push4("0xa9059cbb", "0x095ea7b3", "0x70a08231", "0xdeadbeef"),
	}}
	result, err := NewEngine(reader).AnalyzeContract(context.Background(), tokenAddress)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	names := map[string]contract.Function{}
	for _, fn := range result.Contract.Functions {
		names[fn.Name] = fn
	}
	if fn, ok := names["transfer"]; !ok || fn.Signature != "transfer(address,uint256)" || len(fn.Inputs) != 2 {
		t.Fatalf("transfer not upgraded: %+v", names)
	}
	if fn, ok := names["function_deadbeef"]; !ok || fn.Selector != "0xdeadbeef" {
		t.Fatalf("expected placeholder for unknown selector: %+v", names)
	}
	if names["balanceOf"].StateMutability != contract.MutabilityView {
		t.Fatal("known mutability lost")
	}

	var erc20, erc721 float64
	for _, match := range result.Patterns {
		switch match.Pattern.Name {
		case "ERC20 Token":
			erc20 = match.Confidence
		case "ERC721 NFT":
			erc721 = match.Confidence
		}
	}
	if erc20 < knowledge.MinPatternConfidence || erc20 < erc721 {
		t.Fatalf("unexpected ranking erc20=%f erc721=%f", erc20, erc721)
	}
	if result.Patterns[0].Pattern.Name != "ERC20 Token" {
		t.Fatalf("expected ERC20 first, got %s", result.Patterns[0].Pattern.Name)
	}
	if len(result.Suggestions) == 0 {
		t.Fatal("expected advisory suggestions")
	}
}

func TestExtractSelectorsCapAndUniqueness(t *testing.T) {
	var selectors []string
	for i := 0; i < 30; i++ {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(0x10000000+i))
		selectors = append(selectors, common.Bytes2Hex(buf[:]))
	}
	code := push4(append(selectors, selectors[0])...)
	got := ExtractSelectors(code, 0)
	if len(got) != DefaultMaxSelectors {
		t.Fatalf("expected cap %d, got %d", DefaultMaxSelectors, len(got))
	}
	if got[0] != "0x10000000" || got[1] != "0x10000001" {
		t.Fatalf("unexpected order %v", got[:2])
	}

	if got := ExtractSelectors([]byte{opPush4, 0x01, 0x02, 0x03}, 20); len(got) != 0 {
		t.Fatalf("truncated operand must be ignored, got %v", got)
	}
	if got := ExtractSelectors(push4("0xa9059cbb"), 5); len(got) != 1 {
		t.Fatalf("unexpected selectors %v", got)
	}
}

func TestExtractEventTopics(t *testing.T) {
	topic := common.FromHex(contract.TopicOf("Transfer(address,address,uint256)"))
	unknown := make([]byte, 32)
	code := append([]byte{opPush32}, topic...)
	code = append(code, opPush32)
	code = append(code, unknown...)
	code = append(code, 0x00)

	events := ExtractEventTopics(code)
	if len(events) != 1 || events[0].Name != "Transfer" {
		t.Fatalf("unexpected events %+v", events)
	}
}

type stubABISource struct {
	abi string
}

func (s stubABISource) VerifiedABI(context.Context, string) (string, bool, error) {
	return s.abi, s.abi != "", nil
}

func TestAnalyzeUsesVerifiedABI(t *testing.T) {
	addr := common.HexToAddress(tokenAddress)
	reader := &stubReader{code: map[common.Address][]byte{addr: {0x60, 0x00}}}
	source := stubABISource{abi: `[{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"event","name":"OwnershipTransferred","inputs":[{"name":"previousOwner","type":"address","indexed":true},{"name":"newOwner","type":"address","indexed":true}]}]`}

	result, err := NewEngine(reader, WithABISource(source)).AnalyzeContract(context.Background(), tokenAddress)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !result.Contract.Verified || result.Confidence != ConfidenceVerified || result.Source != SourceVerified {
		t.Fatalf("unexpected verified result %+v", result)
	}
	if len(result.Patterns) != 1 || result.Patterns[0].Pattern.Name != "Ownable" {
		t.Fatalf("unexpected patterns %+v", result.Patterns)
	}
}

func TestAnalyzeFallsBackOnBrokenABI(t *testing.T) {
	addr := common.HexToAddress(tokenAddress)
	reader := &stubReader{code: map[common.Address][]byte{addr: push4("0x8da5cb5b")}}
	result, err := NewEngine(reader, WithABISource(stubABISource{abi: "{not json"})).AnalyzeContract(context.Background(), tokenAddress)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Contract.Verified || result.Source != SourceHeuristic {
		t.Fatalf("expected heuristic fallback, got %+v", result)
	}
	if _, ok := result.Contract.Function("owner"); !ok {
		t.Fatal("expected owner selector to be recognised")
	}
}
