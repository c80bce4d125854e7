package contract

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"submit","stateMutability":"payable","inputs":[{"name":"order","type":"tuple","components":[{"name":"id","type":"uint64"},{"name":"maker","type":"address"}]}],"outputs":[]},
 {"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

func TestFromABIPreservesOrderAndOverloads(t *testing.T) {
	functions, events, err := FromABI(erc20ABI)
	if err != nil {
		t.Fatalf("from abi: %v", err)
	}
	if len(functions) != 5 {
		t.Fatalf("expected 5 functions, got %d", len(functions))
	}
	if functions[0].Name != "balanceOf" || functions[1].Name != "transfer" {
		t.Fatalf("declaration order lost: %s, %s", functions[0].Name, functions[1].Name)
	}
	if functions[1].Selector != "0xa9059cbb" || functions[1].Signature != "transfer(address,uint256)" {
		t.Fatalf("unexpected transfer identity %+v", functions[1])
	}
	if functions[2].Signature != "safeTransferFrom(address,address,uint256)" ||
		functions[3].Signature != "safeTransferFrom(address,address,uint256,bytes)" {
		t.Fatalf("overloads out of order: %s / %s", functions[2].Signature, functions[3].Signature)
	}
	if functions[4].Category() != CategoryPayable || functions[0].Category() != CategoryRead || functions[1].Category() != CategoryWrite {
		t.Fatal("unexpected categories")
	}
	tuple := functions[4].Inputs[0]
	if tuple.Type != "tuple" || len(tuple.Components) != 2 || tuple.Components[1].Type != "address" {
		t.Fatalf("unexpected tuple conversion %+v", tuple)
	}

	if len(events) != 1 || events[0].Topic != TopicOf("Transfer(address,address,uint256)") {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].Inputs[0].Indexed || events[0].Inputs[2].Indexed {
		t.Fatal("indexed flags lost")
	}
}

func TestSynthesizeABISkipsPlaceholders(t *testing.T) {
	functions := []Function{
		{Name: "function_deadbeef", Type: TypeFunction, StateMutability: MutabilityNonPayable, Selector: "0xdeadbeef"},
		{Name: "transfer", Type: TypeFunction, StateMutability: MutabilityNonPayable,
			Inputs:  []Parameter{{Name: "to", Type: "address"}, {Name: "amount", Type: "uint256"}},
			Outputs: []Parameter{{Type: "bool"}}, Signature: "transfer(address,uint256)", Selector: "0xa9059cbb"},
	}
	parsed, err := abi.JSON(strings.NewReader(SynthesizeABI(functions, nil)))
	if err != nil {
		t.Fatalf("parse synthesized: %v", err)
	}
	if len(parsed.Methods) != 1 {
		t.Fatalf("expected only the named function, got %d", len(parsed.Methods))
	}
	if _, err := parsed.Pack("transfer", common.Address{}, big.NewInt(1)); err != nil {
		t.Fatalf("pack: %v", err)
	}
}

func TestParseSignature(t *testing.T) {
	name, params, err := ParseSignature("swap((uint256,address)[],bytes32,uint8)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "swap" || len(params) != 3 {
		t.Fatalf("unexpected parse %s %+v", name, params)
	}
	if params[0].Type != "tuple[]" || len(params[0].Components) != 2 {
		t.Fatalf("unexpected tuple parameter %+v", params[0])
	}
	if got := Signature(name, params); got != "swap((uint256,address)[],bytes32,uint8)" {
		t.Fatalf("signature round trip mismatch: %s", got)
	}
	if _, err := params[0].ABIType(); err != nil {
		t.Fatalf("abi type: %v", err)
	}

	if _, _, err := ParseSignature("broken(uint256"); err == nil {
		t.Fatal("expected error for unbalanced signature")
	}
	if _, params, err := ParseSignature("totalSupply()"); err != nil || len(params) != 0 {
		t.Fatalf("unexpected empty parse: %v %v", params, err)
	}
}

func TestInfoLookups(t *testing.T) {
	info := &Info{Functions: []Function{
		{Name: "upgradeTo", Selector: "0x3659cfe6"},
		{Name: "owner", Selector: "0x8da5cb5b"},
	}}
	if _, ok := info.Function("OWNER"); !ok {
		t.Fatal("expected case-insensitive lookup")
	}
	if _, ok := info.FunctionBySelector("0x3659CFE6"); !ok {
		t.Fatal("expected selector lookup")
	}
	if !info.HasFunction("upgrade") || info.HasFunction("pause") {
		t.Fatal("unexpected keyword lookup")
	}
}
