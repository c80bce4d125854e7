package interpreter

import (
	"regexp"
	"strings"
)

var (
	addressPattern  = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
	amountPattern   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(ether|eth|gwei|wei|tokens?|usdc|usdt|dai)\b`)
	functionPattern = regexp.MustCompile(`(?i)\b(?:call|invoke|execute)\s+(?:the\s+)?(?:function\s+|method\s+)?([a-zA-Z_][a-zA-Z0-9_]*)`)
	namePattern     = regexp.MustCompile(`(?i)\b(?:named|called|name)\s+["']?([A-Za-z][A-Za-z0-9]*)`)
	symbolPattern   = regexp.MustCompile(`(?i)\bsymbol\s+["']?([A-Za-z0-9]{2,11})`)
	supplyPattern   = regexp.MustCompile(`(?i)\bsupply\s+(?:of\s+)?(\d+)`)

	contractFlag = regexp.MustCompile(`\bcontracts?\b|合约`)
	tokenFlag    = regexp.MustCompile(`\b(tokens?|erc-?20|coins?)\b|代币`)
	functionFlag = regexp.MustCompile(`\b(functions?|methods?)\b|函数|方法`)
	fileFlag     = regexp.MustCompile(`\b(files?|documents?|images?)\b|文件`)
	modelFlag    = regexp.MustCompile(`\b(models?|ai)\b|模型`)
)

// 不作为函数名的词。
var functionStopWords = map[string]bool{"the": true, "function": true, "method": true, "contract": true, "a": true}

// ExtractEntities 提取全部地址、第一个数量与单位、实体类别标记，
// 以及函数名与代币参数。
func ExtractEntities(instruction string) Entities {
	lower := strings.ToLower(instruction)
	entities := Entities{Addresses: []string{}}

	seen := map[string]bool{}
	for _, match := range addressPattern.FindAllString(instruction, -1) {
		addr := strings.ToLower(match)
		if !seen[addr] {
			seen[addr] = true
			entities.Addresses = append(entities.Addresses, addr)
		}
	}

	// 去掉地址再匹配数量，避免把地址中的数字识别为金额。
	stripped := addressPattern.ReplaceAllString(instruction, " ")
	if m := amountPattern.FindStringSubmatch(stripped); m != nil {
		entities.Amount = m[1]
		entities.Unit = strings.ToLower(m[2])
	}

	entities.HasContract = contractFlag.MatchString(lower)
	entities.HasToken = tokenFlag.MatchString(lower)
	entities.HasFunction = functionFlag.MatchString(lower)
	entities.HasFile = fileFlag.MatchString(lower)
	entities.HasModel = modelFlag.MatchString(lower)

	if m := functionPattern.FindStringSubmatch(stripped); m != nil && !functionStopWords[strings.ToLower(m[1])] {
		entities.FunctionName = m[1]
	}
	if m := namePattern.FindStringSubmatch(stripped); m != nil {
		entities.TokenName = m[1]
	}
	if m := symbolPattern.FindStringSubmatch(stripped); m != nil {
		entities.TokenSymbol = strings.ToUpper(m[1])
	}
	if m := supplyPattern.FindStringSubmatch(stripped); m != nil {
		entities.InitialSupply = m[1]
	}
	return entities
}
