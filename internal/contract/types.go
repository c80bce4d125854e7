package contract

import (
	"strings"
)

// 函数类型。
const (
	TypeFunction    = "function"
	TypeConstructor = "constructor"
	TypeFallback    = "fallback"
	TypeReceive     = "receive"
)

// 状态可变性。
const (
	MutabilityPure       = "pure"
	MutabilityView       = "view"
	MutabilityNonPayable = "nonpayable"
	MutabilityPayable    = "payable"
)

// 工具分类。
const (
	CategoryRead    = "read"
	CategoryWrite   = "write"
	CategoryPayable = "payable"
)

// PlaceholderPrefix 是未识别函数的命名前缀。
const PlaceholderPrefix = "function_"

// Parameter 描述函数或事件的一个参数。
type Parameter struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	InternalType string      `json:"internalType,omitempty"`
	Indexed      bool        `json:"indexed,omitempty"`
	Components   []Parameter `json:"components,omitempty"`
}

// Function 描述合约的一个可调用入口。
type Function struct {
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	StateMutability string      `json:"stateMutability"`
	Inputs          []Parameter `json:"inputs"`
	Outputs         []Parameter `json:"outputs"`
	Signature       string      `json:"signature"`
	// Selector 形如 0x + 8 位十六进制。
	Selector      string `json:"selector"`
	GasEstimate   uint64 `json:"gasEstimate,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// Event 描述合约事件。
type Event struct {
	Name      string      `json:"name"`
	Signature string      `json:"signature"`
	Topic     string      `json:"topic"`
	Inputs    []Parameter `json:"inputs"`
	Anonymous bool        `json:"anonymous,omitempty"`
}

// Deployment 记录可选的部署元数据。
type Deployment struct {
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"txHash"`
	Deployer    string `json:"deployer"`
}

// Info 是一次分析的完整结果。Functions 与 Events 在分析后不再修改，
// 重新分析会整体替换记录。
type Info struct {
	Address    string      `json:"address"`
	ABI        string      `json:"abi"`
	Verified   bool        `json:"verified"`
	Bytecode   string      `json:"bytecode"`
	Functions  []Function  `json:"functions"`
	Events     []Event     `json:"events"`
	Deployment *Deployment `json:"deployment,omitempty"`
}

// IsRead 判断函数是否只读。
func (f Function) IsRead() bool {
	return f.StateMutability == MutabilityView || f.StateMutability == MutabilityPure
}

// IsPayable 判断函数是否接受 ETH。
func (f Function) IsPayable() bool {
	return f.StateMutability == MutabilityPayable
}

// Category 返回工具分类 read / write / payable。
func (f Function) Category() string {
	switch {
	case f.IsRead():
		return CategoryRead
	case f.IsPayable():
		return CategoryPayable
	default:
		return CategoryWrite
	}
}

// IsPlaceholder 判断函数是否只有选择器而没有真实名称。
func (f Function) IsPlaceholder() bool {
	return strings.HasPrefix(f.Name, PlaceholderPrefix) && len(f.Inputs) == 0 && f.Signature == ""
}

// Function 按名称查找函数，大小写不敏感，返回第一个匹配项。
func (i *Info) Function(name string) (Function, bool) {
	if i == nil {
		return Function{}, false
	}
	for _, fn := range i.Functions {
		if strings.EqualFold(fn.Name, name) {
			return fn, true
		}
	}
	return Function{}, false
}

// FunctionBySelector 按选择器查找函数。
func (i *Info) FunctionBySelector(selector string) (Function, bool) {
	if i == nil {
		return Function{}, false
	}
	selector = strings.ToLower(selector)
	for _, fn := range i.Functions {
		if fn.Selector == selector {
			return fn, true
		}
	}
	return Function{}, false
}

// HasFunction 判断是否存在名称包含 keyword 的函数。
func (i *Info) HasFunction(keyword string) bool {
	if i == nil {
		return false
	}
	keyword = strings.ToLower(keyword)
	for _, fn := range i.Functions {
		if strings.Contains(strings.ToLower(fn.Name), keyword) {
			return true
		}
	}
	return false
}
