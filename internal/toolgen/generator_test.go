package toolgen

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
)

type stubSigner struct{}

func (stubSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000b0")
}
func (stubSigner) SendTransaction(context.Context, web3.Transaction) (web3.PendingTransaction, error) {
	return nil, nil
}
func (stubSigner) SignMessage(context.Context, []byte) ([]byte, error) { return nil, nil }

type stubPending struct {
	receipt *coretypes.Receipt
}

func (p stubPending) Hash() common.Hash { return common.HexToHash("0x01") }
func (p stubPending) Wait(context.Context) (*coretypes.Receipt, error) {
	return p.receipt, nil
}

type stubClient struct {
	signer     web3.Signer
	callOutput []byte
	calls      [][]byte
	sent       []web3.Transaction
	status     uint64
}

func (c *stubClient) Code(context.Context, common.Address) ([]byte, error) { return []byte{0x1}, nil }
func (c *stubClient) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *stubClient) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	c.calls = append(c.calls, data)
	return c.callOutput, nil
}
func (c *stubClient) Block(context.Context, *big.Int, bool) (*web3.Block, error) {
	return &web3.Block{}, nil
}
func (c *stubClient) EstimateGas(context.Context, web3.Transaction) (uint64, error) { return 21000, nil }
func (c *stubClient) SendTransaction(_ context.Context, tx web3.Transaction) (web3.PendingTransaction, error) {
	if c.signer == nil {
		return nil, web3.ErrSignerRequired
	}
	c.sent = append(c.sent, tx)
	return stubPending{receipt: &coretypes.Receipt{
		Status:      c.status,
		GasUsed:     51234,
		BlockNumber: big.NewInt(7),
		Logs:        []*coretypes.Log{{}, {}},
	}}, nil
}
func (c *stubClient) Signer() web3.Signer { return c.signer }
func (c *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (c *stubClient) Close() {}

const tokenAddr = "0xABCDEF0123456789abcdef0123456789ABCDEF01"

func tokenInfo() *contract.Info {
	return &contract.Info{
		Address: tokenAddr,
		Functions: []contract.Function{
			{Name: "balanceOf", Type: contract.TypeFunction, StateMutability: contract.MutabilityView,
				Inputs: []contract.Parameter{{Name: "account", Type: "address"}}, Outputs: []contract.Parameter{{Type: "uint256"}},
				Signature: "balanceOf(address)", Selector: "0x70a08231"},
			{Name: "transfer", Type: contract.TypeFunction, StateMutability: contract.MutabilityNonPayable,
				Inputs:  []contract.Parameter{{Name: "to", Type: "address"}, {Name: "amount", Type: "uint256"}},
				Outputs: []contract.Parameter{{Type: "bool"}}, Signature: "transfer(address,uint256)", Selector: "0xa9059cbb"},
			{Name: "deposit", Type: contract.TypeFunction, StateMutability: contract.MutabilityPayable,
				Inputs: []contract.Parameter{}, Signature: "deposit()", Selector: "0xd0e30db0"},
			{Name: "getReserves", Type: contract.TypeFunction, StateMutability: contract.MutabilityView,
				Inputs: []contract.Parameter{},
				Outputs: []contract.Parameter{{Name: "reserve0", Type: "uint112"}, {Name: "reserve1", Type: "uint112"}, {Name: "blockTimestampLast", Type: "uint32"}},
				Signature: "getReserves()", Selector: "0x0902f1ac"},
		},
	}
}

func toolByFunction(t *testing.T, tools []*Tool, fn string) *Tool {
	t.Helper()
	for _, tool := range tools {
		if tool.Metadata.FunctionName == fn {
			return tool
		}
	}
	t.Fatalf("tool for %s not found", fn)
	return nil
}

func TestGenerateToolsNamingAndCategories(t *testing.T) {
	gen := NewGenerator(&stubClient{})
	result, err := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !result.Success || len(result.Tools) != 5 {
		t.Fatalf("expected 4 function tools plus info tool, got %d", len(result.Tools))
	}
	names := map[string]*Tool{}
	for _, tool := range result.Tools {
		names[tool.Name] = tool
	}
	for _, name := range []string{
		"contract_abcdef01_balance_of",
		"contract_abcdef01_transfer",
		"contract_abcdef01_deposit",
		"contract_abcdef01_get_reserves",
		"contract_abcdef01_contract_info",
	} {
		if _, ok := names[name]; !ok {
			t.Fatalf("missing tool %s in %v", name, names)
		}
	}
	if names["contract_abcdef01_balance_of"].Metadata.Category != contract.CategoryRead ||
		names["contract_abcdef01_transfer"].Metadata.Category != contract.CategoryWrite ||
		names["contract_abcdef01_deposit"].Metadata.Category != contract.CategoryPayable {
		t.Fatal("unexpected categories")
	}

	deposit := names["contract_abcdef01_deposit"]
	if _, ok := deposit.InputSchema.Properties[FieldValue]; !ok {
		t.Fatal("payable tool must accept value")
	}
	if !strings.Contains(deposit.Description, "payable") {
		t.Fatalf("payable warning missing: %s", deposit.Description)
	}
	if _, ok := names["contract_abcdef01_balance_of"].InputSchema.Properties[FieldGasLimit]; ok {
		t.Fatal("view tool must not expose gasLimit")
	}
	if _, ok := names["contract_abcdef01_transfer"].InputSchema.Properties[FieldGasPrice]; !ok {
		t.Fatal("write tool must expose gasPrice")
	}

	info, err := names["contract_abcdef01_contract_info"].Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("info tool: %v", err)
	}
	if info.(map[string]any)["functionCount"] != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestGenerateToolsFilteringTruncationAndOverloads(t *testing.T) {
	info := tokenInfo()
	info.Functions = append(info.Functions,
		contract.Function{Name: "safeTransferFrom", Type: contract.TypeFunction, StateMutability: contract.MutabilityNonPayable,
			Inputs: []contract.Parameter{{Name: "from", Type: "address"}, {Name: "to", Type: "address"}, {Name: "id", Type: "uint256"}}, Selector: "0x42842e0e"},
		contract.Function{Name: "safeTransferFrom", Type: contract.TypeFunction, StateMutability: contract.MutabilityNonPayable,
			Inputs: []contract.Parameter{{Name: "from", Type: "address"}, {Name: "to", Type: "address"}, {Name: "id", Type: "uint256"}, {Name: "data", Type: "bytes"}}, Selector: "0xb88d4fde"},
		contract.Function{Name: "fallback", Type: contract.TypeFallback, StateMutability: contract.MutabilityPayable},
	)
	gen := NewGenerator(&stubClient{})

	opts := DefaultOptions()
	opts.IncludeReadFunctions = false
	result, _ := gen.GenerateToolsForContract(context.Background(), info, opts)
	var names []string
	for _, tool := range result.Tools {
		if tool.Metadata.Category == contract.CategoryRead && tool.Metadata.FunctionName != "" {
			t.Fatalf("read tool %s generated although excluded", tool.Name)
		}
		names = append(names, tool.Name)
	}
	if !contains(names, "contract_abcdef01_safe_transfer_from") || !contains(names, "contract_abcdef01_safe_transfer_from_b88d4fde") {
		t.Fatalf("overload collision not resolved: %v", names)
	}
	if contains(names, "contract_abcdef01_fallback") {
		t.Fatal("fallback must not become a tool")
	}

	opts = DefaultOptions()
	opts.MaxToolsPerContract = 2
	opts.Prefix = "erc"
	result, _ = gen.GenerateToolsForContract(context.Background(), info, opts)
	if len(result.Tools) != 3 || len(result.Warnings) != 1 {
		t.Fatalf("expected truncation to 2 tools plus info with warning, got %d tools %v", len(result.Tools), result.Warnings)
	}
	if result.Tools[0].Metadata.FunctionName != "balanceOf" || result.Tools[1].Metadata.FunctionName != "transfer" {
		t.Fatal("truncation must keep the first functions in analysis order")
	}

	cached, ok := gen.Tools(context.Background(), strings.ToLower(tokenAddr))
	if !ok || len(cached) != 3 || cached[0].Name != "erc_abcdef01_balance_of" {
		t.Fatal("regeneration must replace cached tools wholesale")
	}
	if _, ok := gen.Tool(context.Background(), "erc_abcdef01_transfer"); !ok {
		t.Fatal("expected lookup by name")
	}
	if err := gen.ClearCache(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := gen.Tools(context.Background(), tokenAddr); ok {
		t.Fatal("expected empty cache")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func TestReadToolNeverRequiresSigner(t *testing.T) {
	output := common.LeftPadBytes(big.NewInt(1000).Bytes(), 32)
	client := &stubClient{callOutput: output}
	gen := NewGenerator(client)
	result, _ := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())

	value, err := toolByFunction(t, result.Tools, "balanceOf").Execute(context.Background(), map[string]any{
		"account": "0x0000000000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("read tool: %v", err)
	}
	if value != "1000" {
		t.Fatalf("expected unwrapped single value, got %v", value)
	}
	if len(client.calls) != 1 || common.Bytes2Hex(client.calls[0][:4]) != "70a08231" {
		t.Fatal("expected a single eth_call with the balanceOf selector")
	}
}

func TestReadToolMultipleOutputs(t *testing.T) {
	var output []byte
	for _, v := range []int64{10, 20, 30} {
		output = append(output, common.LeftPadBytes(big.NewInt(v).Bytes(), 32)...)
	}
	gen := NewGenerator(&stubClient{callOutput: output})
	result, _ := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())

	value, err := toolByFunction(t, result.Tools, "getReserves").Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("read tool: %v", err)
	}
	reserves, ok := value.(map[string]any)
	if !ok || reserves["reserve0"] != "10" || reserves["blockTimestampLast"] != "30" {
		t.Fatalf("unexpected multi-value result %#v", value)
	}
}

func TestWriteToolRequiresSignerBeforeAnyChainWrite(t *testing.T) {
	client := &stubClient{}
	gen := NewGenerator(client)
	result, _ := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())

	for _, fn := range []string{"transfer", "deposit"} {
		_, err := toolByFunction(t, result.Tools, fn).Execute(context.Background(), map[string]any{
			"to": "0x0000000000000000000000000000000000000001", "amount": "5",
		})
		if !xerrors.HasCode(err, xerrors.CodeSignerRequired) {
			t.Fatalf("%s: expected SIGNER_REQUIRED, got %v", fn, err)
		}
	}
	if len(client.sent) != 0 || len(client.calls) != 0 {
		t.Fatal("no chain access may happen without a signer")
	}
}

func TestWriteToolSubmitsAndAwaitsReceipt(t *testing.T) {
	client := &stubClient{signer: stubSigner{}, status: coretypes.ReceiptStatusSuccessful}
	gen := NewGenerator(client)
	result, _ := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())

	value, err := toolByFunction(t, result.Tools, "deposit").Execute(context.Background(), map[string]any{
		"value": "1000", "gasLimit": "60000",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tx := value.(*TransactionResult)
	if tx.GasUsed != 51234 || tx.BlockNumber != 7 || tx.LogCount != 2 || tx.TransactionHash == "" {
		t.Fatalf("unexpected transaction result %+v", tx)
	}
	sent := client.sent[0]
	if sent.Value.Cmp(big.NewInt(1000)) != 0 || sent.GasLimit != 60000 || common.Bytes2Hex(sent.Data) != "d0e30db0" {
		t.Fatalf("unexpected transaction %+v", sent)
	}

	_, err = toolByFunction(t, result.Tools, "transfer").Execute(context.Background(), map[string]any{
		"to": "0x0000000000000000000000000000000000000001", "amount": "5", "value": "1",
	})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("value on nonpayable must be rejected, got %v", err)
	}
}

func TestWriteToolRevertedReceipt(t *testing.T) {
	client := &stubClient{signer: stubSigner{}, status: coretypes.ReceiptStatusFailed}
	gen := NewGenerator(client)
	result, _ := gen.GenerateToolsForContract(context.Background(), tokenInfo(), DefaultOptions())

	_, err := toolByFunction(t, result.Tools, "transfer").Execute(context.Background(), map[string]any{
		"to": "0x0000000000000000000000000000000000000001", "amount": "5",
	})
	if !xerrors.HasCode(err, xerrors.CodeStepExecutionFailed) {
		t.Fatalf("expected STEP_EXECUTION_FAILED, got %v", err)
	}
}

func TestGenerateRejectsMissingInfo(t *testing.T) {
	result, err := NewGenerator(nil).GenerateToolsForContract(context.Background(), nil, DefaultOptions())
	if err == nil || result.Success {
		t.Fatal("expected failure for nil contract info")
	}
}

func TestFunctionSlug(t *testing.T) {
	cases := map[string]string{
		"balanceOf":         "balance_of",
		"safeTransferFrom":  "safe_transfer_from",
		"DOMAIN_SEPARATOR":  "domain_separator",
		"token0":            "token0",
		"function_deadbeef": "function_deadbeef",
		"getERC20Balance":   "get_erc20_balance",
	}
	for in, want := range cases {
		if got := FunctionSlug(in); got != want {
			t.Fatalf("FunctionSlug(%q) = %q, want %q", in, got, want)
		}
	}
}
