package toolgen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
)

// 输入描述中使用的正则。
const (
	PatternUint    = `^[0-9]+$`
	PatternInt     = `^-?[0-9]+$`
	PatternAddress = `^0x[a-fA-F0-9]{40}$`
	PatternBytes   = `^0x([a-fA-F0-9]{2})*$`
)

// Schema 是工具输入的结构化描述，形态与 JSON Schema 的子集一致。
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	MinItems    *int               `json:"minItems,omitempty"`
	MaxItems    *int               `json:"maxItems,omitempty"`
	Examples    []any              `json:"examples,omitempty"`
	ABIType     string             `json:"x-abi-type,omitempty"`
	// order 保持属性的声明顺序。
	order []string
}

// PropertyNames 按声明顺序返回属性名。
func (s *Schema) PropertyNames() []string {
	return append([]string(nil), s.order...)
}

func (s *Schema) addProperty(name string, prop *Schema, required bool) {
	if s.Properties == nil {
		s.Properties = make(map[string]*Schema)
	}
	s.Properties[name] = prop
	s.order = append(s.order, name)
	if required {
		s.Required = append(s.Required, name)
	}
}

// 额外的交易参数字段。
const (
	FieldValue    = "value"
	FieldGasLimit = "gasLimit"
	FieldGasPrice = "gasPrice"
	// FieldCalldata 仅用于无法识别参数的占位函数，追加在选择器之后。
	FieldCalldata = "calldata"
)

// ArgumentName 返回第 i 个参数在输入中使用的字段名。
func ArgumentName(p contract.Parameter, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("arg%d", i)
}

// GenerateInputSchema 为函数生成输入描述。
func GenerateInputSchema(fn contract.Function) *Schema {
	schema := &Schema{Type: "object", Properties: map[string]*Schema{}}
	for i, input := range fn.Inputs {
		schema.addProperty(ArgumentName(input, i), ParameterSchema(input), true)
	}
	if fn.IsPlaceholder() {
		schema.addProperty(FieldCalldata, &Schema{
			Type:        "string",
			Pattern:     PatternBytes,
			Description: "追加在函数选择器之后的 ABI 编码参数",
			Examples:    []any{"0x"},
		}, false)
	}
	if fn.IsPayable() {
		schema.addProperty(FieldValue, &Schema{
			Type:        "string",
			Pattern:     PatternUint,
			Description: "随交易发送的 ETH 数量（wei）",
			Examples:    []any{"0"},
		}, false)
	}
	if !fn.IsRead() {
		schema.addProperty(FieldGasLimit, &Schema{Type: "string", Pattern: PatternUint, Description: "可选的 gas 上限", Examples: []any{"100000"}}, false)
		schema.addProperty(FieldGasPrice, &Schema{Type: "string", Pattern: PatternUint, Description: "可选的 gas 价格（wei）", Examples: []any{"1000000000"}}, false)
	}
	return schema
}

// ParameterSchema 将单个 ABI 参数映射为输入描述。
func ParameterSchema(p contract.Parameter) *Schema {
	typ := strings.TrimSpace(p.Type)

	if base, size, ok := splitArray(typ); ok {
		inner := p
		inner.Type = base
		inner.Name = ""
		schema := &Schema{Type: "array", Items: ParameterSchema(inner), ABIType: typ, Description: p.Name}
		if size >= 0 {
			schema.MinItems = &size
			schema.MaxItems = &size
		}
		return schema
	}

	switch {
	case typ == "tuple":
		schema := &Schema{Type: "object", ABIType: typ, Description: p.Name}
		for i, c := range p.Components {
			schema.addProperty(ArgumentName(c, i), ParameterSchema(c), true)
		}
		return schema
	case strings.HasPrefix(typ, "uint"):
		return &Schema{Type: "string", Pattern: PatternUint, ABIType: typ, Description: p.Name, Examples: []any{"100"}}
	case strings.HasPrefix(typ, "int"):
		return &Schema{Type: "string", Pattern: PatternInt, ABIType: typ, Description: p.Name, Examples: []any{"-100"}}
	case typ == "address":
		return &Schema{Type: "string", Pattern: PatternAddress, ABIType: typ, Description: p.Name,
			Examples: []any{"0x0000000000000000000000000000000000000001"}}
	case typ == "bool":
		return &Schema{Type: "boolean", ABIType: typ, Description: p.Name, Examples: []any{true}}
	case typ == "bytes":
		return &Schema{Type: "string", Pattern: PatternBytes, ABIType: typ, Description: p.Name, Examples: []any{"0x1234"}}
	case strings.HasPrefix(typ, "bytes"):
		n, err := strconv.Atoi(strings.TrimPrefix(typ, "bytes"))
		if err != nil || n <= 0 || n > 32 {
			return &Schema{Type: "string", ABIType: typ, Description: p.Name}
		}
		return &Schema{Type: "string", Pattern: fmt.Sprintf(`^0x[a-fA-F0-9]{%d}$`, n*2), ABIType: typ, Description: p.Name,
			Examples: []any{"0x" + strings.Repeat("ab", n)}}
	default:
		return &Schema{Type: "string", ABIType: typ, Description: p.Name, Examples: []any{"text"}}
	}
}

// splitArray 拆分 T[] 或 T[k]，size 为 -1 表示动态数组。
func splitArray(typ string) (string, int, bool) {
	if !strings.HasSuffix(typ, "]") {
		return "", 0, false
	}
	open := strings.LastIndex(typ, "[")
	if open <= 0 {
		return "", 0, false
	}
	inner := typ[open+1 : len(typ)-1]
	if inner == "" {
		return typ[:open], -1, true
	}
	size, err := strconv.Atoi(inner)
	if err != nil || size < 0 {
		return "", 0, false
	}
	return typ[:open], size, true
}

// Example 根据描述生成一个可通过校验的示例值。
func Example(schema *Schema) any {
	if schema == nil {
		return nil
	}
	switch schema.Type {
	case "object":
		out := make(map[string]any, len(schema.Properties))
		for _, name := range schema.Required {
			out[name] = Example(schema.Properties[name])
		}
		return out
	case "array":
		n := 1
		if schema.MinItems != nil {
			n = *schema.MinItems
		}
		items := make([]any, n)
		for i := range items {
			items[i] = Example(schema.Items)
		}
		return items
	}
	if len(schema.Examples) > 0 {
		return schema.Examples[0]
	}
	if schema.Type == "boolean" {
		return false
	}
	return ""
}

// patternCache 缓存编译后的正则，bytesN 等按需生成的模式在首次使用时编译。
var patternCache sync.Map

func compiled(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := patternCache.LoadOrStore(pattern, regexp.MustCompile(pattern))
	return re.(*regexp.Regexp)
}

// ValidateInput 按描述校验输入，返回 INVALID_ARGUMENT 错误并指明字段路径。
func ValidateInput(schema *Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return validate(schema, args, "")
}

func validate(schema *Schema, value any, path string) error {
	label := path
	if label == "" {
		label = "输入"
	}
	switch schema.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 应为对象", label)
		}
		for _, name := range schema.Required {
			if _, ok := obj[name]; !ok {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "缺少必填字段 %s", join(path, name))
			}
		}
		for name, v := range obj {
			prop, ok := schema.Properties[name]
			if !ok {
				continue
			}
			if err := validate(prop, v, join(path, name)); err != nil {
				return err
			}
		}
		return nil
	case "array":
		items, ok := value.([]any)
		if !ok {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 应为数组", label)
		}
		if schema.MinItems != nil && len(items) < *schema.MinItems {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 至少需要 %d 个元素", label, *schema.MinItems)
		}
		if schema.MaxItems != nil && len(items) > *schema.MaxItems {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 至多允许 %d 个元素", label, *schema.MaxItems)
		}
		for i, item := range items {
			if err := validate(schema.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case "boolean":
		switch v := value.(type) {
		case bool:
			return nil
		case string:
			if v == "true" || v == "false" {
				return nil
			}
		}
		return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 应为布尔值", label)
	default:
		text, ok := stringValue(value)
		if !ok {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 应为字符串", label)
		}
		if schema.Pattern != "" && !compiled(schema.Pattern).MatchString(text) {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s 格式不匹配 %s", label, schema.Pattern)
		}
		return nil
	}
}

// stringValue 接受字符串以及整数形式的 JSON 数字。
func stringValue(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
