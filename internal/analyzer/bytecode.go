package analyzer

import (
	"encoding/hex"

	"ChainPilot/internal/contract"
	"ChainPilot/internal/knowledge"
)

const (
	opPush4  = 0x63
	opPush32 = 0x7f
)

// DefaultMaxSelectors 限制候选选择器数量以控制噪声。
const DefaultMaxSelectors = 20

// ExtractSelectors 逐字节扫描字节码，收集紧跟在 PUSH4 之后的 4 字节值。
// 不跳过其他 PUSH 指令的数据区，结果按首次出现顺序去重并截断到 max 个。
func ExtractSelectors(code []byte, max int) []string {
	if max <= 0 {
		max = DefaultMaxSelectors
	}
	seen := make(map[string]struct{})
	selectors := make([]string, 0, max)
	for i := 0; i+4 < len(code) && len(selectors) < max; i++ {
		if code[i] != opPush4 {
			continue
		}
		selector := "0x" + hex.EncodeToString(code[i+1:i+5])
		if _, ok := seen[selector]; ok {
			continue
		}
		seen[selector] = struct{}{}
		selectors = append(selectors, selector)
	}
	return selectors
}

// ExtractEventTopics 扫描 PUSH32 操作数，仅保留已知事件 topic。
func ExtractEventTopics(code []byte) []contract.Event {
	seen := make(map[string]struct{})
	var events []contract.Event
	for i := 0; i+32 < len(code); i++ {
		if code[i] != opPush32 {
			continue
		}
		topic := "0x" + hex.EncodeToString(code[i+1:i+33])
		known, ok := knowledge.LookupEventTopic(topic)
		if !ok {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		events = append(events, known.Event())
	}
	return events
}

// functionsFromSelectors 为每个选择器生成函数，已知选择器升级为真实名称。
func functionsFromSelectors(selectors []string) []contract.Function {
	functions := make([]contract.Function, 0, len(selectors))
	for _, selector := range selectors {
		if known, ok := knowledge.LookupSelector(selector); ok {
			functions = append(functions, known.Function())
			continue
		}
		functions = append(functions, contract.Function{
			Name:            contract.PlaceholderPrefix + selector[2:],
			Type:            contract.TypeFunction,
			StateMutability: contract.MutabilityNonPayable,
			Inputs:          []contract.Parameter{},
			Outputs:         []contract.Parameter{},
			Selector:        selector,
		})
	}
	return functions
}
