package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestKnownSelectorsAreComputed(t *testing.T) {
	cases := map[string]string{
		"0xa9059cbb": "transfer",
		"0x095ea7b3": "approve",
		"0x70a08231": "balanceOf",
		"0x18160ddd": "totalSupply",
		"0x8da5cb5b": "owner",
		"0x3659cfe6": "upgradeTo",
	}
	for selector, name := range cases {
		fn, ok := LookupSelector(selector)
		if !ok || fn.Name != name {
			t.Fatalf("selector %s: expected %s, got %+v", selector, name, fn)
		}
	}
	fn, _ := LookupSelector("0xA9059CBB")
	if fn.Signature != "transfer(address,uint256)" || len(fn.Inputs) != 2 || fn.Inputs[0].Name != "to" {
		t.Fatalf("unexpected transfer entry %+v", fn)
	}

	ev, ok := LookupEventTopic("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	if !ok || ev.Name != "Transfer" || !ev.Inputs[0].Indexed {
		t.Fatalf("unexpected transfer event %+v", ev)
	}

	overloads := FunctionsByName("safeTransferFrom")
	if len(overloads) != 2 || len(overloads[0].Inputs) != 3 {
		t.Fatalf("unexpected overloads %+v", overloads)
	}
}

func TestMatchPatternsRanksERC20(t *testing.T) {
	matches := MatchPatterns([]string{"transfer", "approve", "balanceOf"}, nil)
	if len(matches) == 0 || matches[0].Pattern.Name != "ERC20 Token" {
		t.Fatalf("expected ERC20 first, got %+v", matches)
	}
	if matches[0].Confidence < MinPatternConfidence {
		t.Fatalf("confidence too low: %f", matches[0].Confidence)
	}
	for _, m := range matches {
		if m.Confidence <= MinPatternConfidence {
			t.Fatalf("match %s below threshold", m.Pattern.Name)
		}
		if m.Pattern.Name == "ERC721 NFT" && m.Confidence > matches[0].Confidence {
			t.Fatal("ERC721 ranked above ERC20")
		}
	}
}

func TestMatchPatternsIncludesEvents(t *testing.T) {
	matches := MatchPatterns([]string{"owner"}, []string{"OwnershipTransferred"})
	if len(matches) != 1 || matches[0].Pattern.Name != "Ownable" || matches[0].Confidence != 0.5 {
		t.Fatalf("unexpected matches %+v", matches)
	}
}

func TestPatternsReturnsCopy(t *testing.T) {
	patterns := Patterns()
	patterns[0].Name = "mutated"
	if Patterns()[0].Name != "ERC20 Token" {
		t.Fatal("pattern table mutated through copy")
	}
}

func TestABIRegistryLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abis.json")
	content := `{"0xABCDEF0000000000000000000000000000000001": [{"type":"function","name":"ping","inputs":[],"outputs":[]}],
"0x0000000000000000000000000000000000000002": "[]"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	registry, err := LoadABIRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if registry.Len() != 2 {
		t.Fatalf("unexpected size %d", registry.Len())
	}
	abiJSON, ok, err := registry.VerifiedABI(context.Background(), "0xabcdef0000000000000000000000000000000001")
	if err != nil || !ok || abiJSON == "" {
		t.Fatalf("expected verified abi, ok=%v err=%v", ok, err)
	}
	if raw, _, _ := registry.VerifiedABI(context.Background(), "0x0000000000000000000000000000000000000002"); raw != "[]" {
		t.Fatalf("string encoded abi not unwrapped: %s", raw)
	}
	if _, ok, _ := registry.VerifiedABI(context.Background(), "0x03"); ok {
		t.Fatal("expected miss")
	}
}

func TestStaticProviderQuery(t *testing.T) {
	provider := DefaultProvider(2)
	results := provider.Query("Check my current balance of 0x01", "query")
	if len(results) == 0 || results[0].Title != "余额查询" {
		t.Fatalf("unexpected snippets %+v", results)
	}
	if got := provider.Query("部署一个代币", "deploy"); len(got) == 0 {
		t.Fatal("expected chinese keyword match")
	}
	if got := NewStaticProvider(nil, 0).Query("anything", ""); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}
