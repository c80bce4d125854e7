package knowledge

import (
	"sort"
	"strings"
)

// ContractPattern 是一个具名的启发式合约特征。
type ContractPattern struct {
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Functions []string `json:"functions"`
	Events    []string `json:"events"`
}

// PatternMatch 是模式匹配的结果。
type PatternMatch struct {
	Pattern          ContractPattern `json:"pattern"`
	Confidence       float64         `json:"confidence"`
	MatchedFunctions []string        `json:"matchedFunctions"`
	MatchedEvents    []string        `json:"matchedEvents"`
}

// MinPatternConfidence 以下的匹配会被丢弃。
const MinPatternConfidence = 0.3

var patternTable = []ContractPattern{
	{
		Name:      "ERC20 Token",
		Category:  "token",
		Functions: []string{"transfer", "approve", "balanceOf", "totalSupply", "allowance", "transferFrom"},
		Events:    []string{"Transfer", "Approval"},
	},
	{
		Name:      "ERC721 NFT",
		Category:  "nft",
		Functions: []string{"ownerOf", "safeTransferFrom", "setApprovalForAll", "getApproved", "isApprovedForAll", "balanceOf", "transferFrom", "tokenURI"},
		Events:    []string{"Transfer", "Approval", "ApprovalForAll"},
	},
	{
		Name:      "ERC1155 Multi Token",
		Category:  "token",
		Functions: []string{"balanceOfBatch", "safeBatchTransferFrom", "setApprovalForAll", "isApprovedForAll", "uri", "safeTransferFrom"},
		Events:    []string{"TransferSingle", "TransferBatch", "ApprovalForAll", "URI"},
	},
	{
		Name:      "Ownable",
		Category:  "access-control",
		Functions: []string{"owner", "transferOwnership", "renounceOwnership"},
		Events:    []string{"OwnershipTransferred"},
	},
	{
		Name:      "Pausable",
		Category:  "access-control",
		Functions: []string{"pause", "unpause", "paused"},
		Events:    []string{"Paused", "Unpaused"},
	},
	{
		Name:      "Upgradeable Proxy",
		Category:  "proxy",
		Functions: []string{"upgradeTo", "upgradeToAndCall", "implementation", "admin"},
		Events:    []string{"Upgraded", "AdminChanged"},
	},
	{
		Name:      "Uniswap V2 Pair",
		Category:  "defi",
		Functions: []string{"getReserves", "token0", "token1", "swap", "sync", "skim", "factory"},
		Events:    []string{"Swap", "Sync", "Mint", "Burn"},
	},
	{
		Name:      "Wrapped Ether",
		Category:  "token",
		Functions: []string{"deposit", "withdraw", "balanceOf", "transfer"},
		Events:    []string{"Deposit", "Withdrawal"},
	},
}

// Patterns 返回模式表的副本，调用方修改副本不会影响模式表。
func Patterns() []ContractPattern {
	out := make([]ContractPattern, len(patternTable))
	copy(out, patternTable)
	return out
}

// MatchPatterns 计算每个模式的置信度：
// (命中的函数数 + 命中的事件数) / (模式函数数 + 模式事件数)。
// 合约中任一函数名包含模式函数名即视为命中（大小写不敏感）。
// 仅保留置信度大于 MinPatternConfidence 的结果，并按置信度降序排列。
func MatchPatterns(functionNames, eventNames []string) []PatternMatch {
	fnLower := lowerAll(functionNames)
	evLower := lowerAll(eventNames)

	var matches []PatternMatch
	for _, pattern := range patternTable {
		total := len(pattern.Functions) + len(pattern.Events)
		if total == 0 {
			continue
		}
		var matchedFns, matchedEvs []string
		for _, name := range pattern.Functions {
			if containsAny(fnLower, strings.ToLower(name)) {
				matchedFns = append(matchedFns, name)
			}
		}
		for _, name := range pattern.Events {
			if containsAny(evLower, strings.ToLower(name)) {
				matchedEvs = append(matchedEvs, name)
			}
		}
		confidence := float64(len(matchedFns)+len(matchedEvs)) / float64(total)
		if confidence <= MinPatternConfidence {
			continue
		}
		matches = append(matches, PatternMatch{
			Pattern:          pattern,
			Confidence:       confidence,
			MatchedFunctions: matchedFns,
			MatchedEvents:    matchedEvs,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(v))
	}
	return out
}

func containsAny(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}
