package contract

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// SelectorOf 计算函数签名的 4 字节选择器。
func SelectorOf(signature string) string {
	hash := crypto.Keccak256([]byte(signature))
	return "0x" + hex.EncodeToString(hash[:4])
}

// TopicOf 计算事件签名的 topic0。
func TopicOf(signature string) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(signature)))
}

// ABIType 将参数转换为 go-ethereum 的 ABI 类型。
func (p Parameter) ABIType() (abi.Type, error) {
	return abi.NewType(p.Type, p.InternalType, toMarshaling(p.Components))
}

func toMarshaling(params []Parameter) []abi.ArgumentMarshaling {
	if len(params) == 0 {
		return nil
	}
	out := make([]abi.ArgumentMarshaling, 0, len(params))
	for _, p := range params {
		out = append(out, abi.ArgumentMarshaling{
			Name:         p.Name,
			Type:         p.Type,
			InternalType: p.InternalType,
			Components:   toMarshaling(p.Components),
			Indexed:      p.Indexed,
		})
	}
	return out
}

// Arguments 将参数列表转换为 abi.Arguments。
func Arguments(params []Parameter) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(params))
	for _, p := range params {
		typ, err := p.ABIType()
		if err != nil {
			return nil, fmt.Errorf("参数 %s 类型 %s 无法识别: %w", p.Name, p.Type, err)
		}
		args = append(args, abi.Argument{Name: p.Name, Type: typ, Indexed: p.Indexed})
	}
	return args, nil
}

// FromABI 解析 ABI JSON 并转换为函数与事件列表。
func FromABI(abiJSON string) ([]Function, []Event, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	var raw []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	// 保持 ABI 中的声明顺序，abi.ABI 内部使用 map。
	if err := json.Unmarshal([]byte(abiJSON), &raw); err != nil {
		return nil, nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	var (
		functions []Function
		events    []Event
		seenFn    = map[string]bool{}
		seenEv    = map[string]bool{}
	)
	appendMethod := func(m abi.Method, kind string) {
		fn := Function{
			Name:            m.Name,
			Type:            kind,
			StateMutability: m.StateMutability,
			Inputs:          fromArguments(m.Inputs),
			Outputs:         fromArguments(m.Outputs),
		}
		if fn.StateMutability == "" {
			fn.StateMutability = MutabilityNonPayable
			if m.Payable {
				fn.StateMutability = MutabilityPayable
			}
		}
		if kind == TypeFunction {
			fn.Signature = m.Sig
			fn.Selector = "0x" + hex.EncodeToString(m.ID)
		}
		functions = append(functions, fn)
	}

	for _, entry := range raw {
		switch entry.Type {
		case "", TypeFunction:
			if key, ok := nextOverload(entry.Name, seenFn, func(k string) bool { _, ok := parsed.Methods[k]; return ok }); ok {
				appendMethod(parsed.Methods[key], TypeFunction)
			}
		case TypeConstructor:
			appendMethod(parsed.Constructor, TypeConstructor)
		case TypeFallback:
			functions = append(functions, Function{Name: TypeFallback, Type: TypeFallback, StateMutability: parsed.Fallback.StateMutability})
		case TypeReceive:
			functions = append(functions, Function{Name: TypeReceive, Type: TypeReceive, StateMutability: MutabilityPayable})
		case "event":
			if key, ok := nextOverload(entry.Name, seenEv, func(k string) bool { _, ok := parsed.Events[k]; return ok }); ok {
				ev := parsed.Events[key]
				events = append(events, Event{
					Name:      ev.RawName,
					Signature: ev.Sig,
					Topic:     ev.ID.Hex(),
					Inputs:    fromArguments(ev.Inputs),
					Anonymous: ev.Anonymous,
				})
			}
		}
	}
	return functions, events, nil
}

// nextOverload 按 name、name0、name1 的顺序返回第一个未使用的键，
// 与 abi.JSON 为重载条目分配名称的方式一致。
func nextOverload(name string, seen map[string]bool, exists func(string) bool) (string, bool) {
	for i := -1; i < 64; i++ {
		key := name
		if i >= 0 {
			key = fmt.Sprintf("%s%d", name, i)
		}
		if !exists(key) {
			if i >= 0 {
				return "", false
			}
			continue
		}
		if !seen[key] {
			seen[key] = true
			return key, true
		}
	}
	return "", false
}

func fromArguments(args abi.Arguments) []Parameter {
	params := make([]Parameter, 0, len(args))
	for _, arg := range args {
		params = append(params, fromType(arg.Name, arg.Type, arg.Indexed))
	}
	return params
}

func fromType(name string, typ abi.Type, indexed bool) Parameter {
	p := Parameter{Name: name, Type: typ.String(), InternalType: typ.TupleRawName, Indexed: indexed}
	base := typ
	for base.T == abi.SliceTy || base.T == abi.ArrayTy {
		base = *base.Elem
	}
	if base.T == abi.TupleTy {
		suffix := strings.TrimPrefix(typ.String(), base.String())
		p.Type = "tuple" + suffix
		for i, elem := range base.TupleElems {
			p.Components = append(p.Components, fromType(base.TupleRawNames[i], *elem, false))
		}
	}
	return p
}

// abiEntry 是 ABI JSON 中的一个条目。
type abiEntry struct {
	Type            string      `json:"type"`
	Name            string      `json:"name,omitempty"`
	Inputs          []Parameter `json:"inputs"`
	Outputs         []Parameter `json:"outputs,omitempty"`
	StateMutability string      `json:"stateMutability,omitempty"`
	Anonymous       bool        `json:"anonymous,omitempty"`
}

// SynthesizeABI 由已识别的函数与事件生成 ABI JSON，跳过只有选择器的占位函数。
func SynthesizeABI(functions []Function, events []Event) string {
	entries := make([]abiEntry, 0, len(functions)+len(events))
	for _, fn := range functions {
		if fn.Type != TypeFunction || fn.IsPlaceholder() {
			continue
		}
		entries = append(entries, abiEntry{
			Type:            TypeFunction,
			Name:            fn.Name,
			Inputs:          nonNil(fn.Inputs),
			Outputs:         nonNil(fn.Outputs),
			StateMutability: fn.StateMutability,
		})
	}
	for _, ev := range events {
		entries = append(entries, abiEntry{Type: "event", Name: ev.Name, Inputs: nonNil(ev.Inputs), Anonymous: ev.Anonymous})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func nonNil(params []Parameter) []Parameter {
	if params == nil {
		return []Parameter{}
	}
	return params
}

// ParseSignature 解析形如 transfer(address,uint256) 的签名。
func ParseSignature(signature string) (string, []Parameter, error) {
	signature = strings.TrimSpace(signature)
	open := strings.Index(signature, "(")
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return "", nil, fmt.Errorf("签名格式非法: %s", signature)
	}
	name := signature[:open]
	params, err := parseTypeList(signature[open+1 : len(signature)-1])
	if err != nil {
		return "", nil, fmt.Errorf("签名 %s 参数非法: %w", signature, err)
	}
	return name, params, nil
}

func parseTypeList(list string) ([]Parameter, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return []Parameter{}, nil
	}
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("括号不匹配")
			}
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("括号不匹配")
	}
	parts = append(parts, list[start:])

	params := make([]Parameter, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("存在空参数类型")
		}
		if strings.HasPrefix(part, "(") {
			end := strings.LastIndex(part, ")")
			components, err := parseTypeList(part[1:end])
			if err != nil {
				return nil, err
			}
			params = append(params, Parameter{Type: "tuple" + part[end+1:], Components: components})
			continue
		}
		params = append(params, Parameter{Type: part})
	}
	return params, nil
}

// CanonicalType 返回用于签名计算的类型表示，tuple 展开为括号形式。
func CanonicalType(p Parameter) string {
	if !strings.HasPrefix(p.Type, "tuple") {
		return p.Type
	}
	inner := make([]string, 0, len(p.Components))
	for _, c := range p.Components {
		inner = append(inner, CanonicalType(c))
	}
	return "(" + strings.Join(inner, ",") + ")" + strings.TrimPrefix(p.Type, "tuple")
}

// Signature 根据名称与参数构造规范签名。
func Signature(name string, params []Parameter) string {
	types := make([]string, 0, len(params))
	for _, p := range params {
		types = append(types, CanonicalType(p))
	}
	return name + "(" + strings.Join(types, ",") + ")"
}
