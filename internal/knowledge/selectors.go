package knowledge

import (
	"sort"
	"strings"

	"ChainPilot/internal/contract"
)

// KnownFunction 是选择器表中的一项。
type KnownFunction struct {
	Name            string
	Signature       string
	Selector        string
	StateMutability string
	Inputs          []contract.Parameter
	Outputs         []contract.Parameter
	Documentation   string
}

// KnownEvent 是事件 topic 表中的一项。
type KnownEvent struct {
	Name      string
	Signature string
	Topic     string
	Inputs    []contract.Parameter
}

// Function 将表项转换为合约函数。
func (k KnownFunction) Function() contract.Function {
	return contract.Function{
		Name:            k.Name,
		Type:            contract.TypeFunction,
		StateMutability: k.StateMutability,
		Inputs:          append([]contract.Parameter(nil), k.Inputs...),
		Outputs:         append([]contract.Parameter(nil), k.Outputs...),
		Signature:       k.Signature,
		Selector:        k.Selector,
		Documentation:   k.Documentation,
	}
}

// Event 将表项转换为合约事件。
func (k KnownEvent) Event() contract.Event {
	return contract.Event{
		Name:      k.Name,
		Signature: k.Signature,
		Topic:     k.Topic,
		Inputs:    append([]contract.Parameter(nil), k.Inputs...),
	}
}

var (
	knownFunctions = map[string]KnownFunction{}
	knownEvents    = map[string]KnownEvent{}
)

func init() {
	for _, def := range []struct{ name, mutability, inputs, outputs, doc string }{
		{"totalSupply", "view", "", "uint256", "代币总供应量"},
		{"balanceOf", "view", "address account", "uint256", "查询账户余额"},
		{"transfer", "nonpayable", "address to, uint256 amount", "bool", "向目标地址转账"},
		{"allowance", "view", "address owner, address spender", "uint256", "查询授权额度"},
		{"approve", "nonpayable", "address spender, uint256 amount", "bool", "授权 spender 使用代币"},
		{"transferFrom", "nonpayable", "address from, address to, uint256 amount", "bool", "代表 from 转账"},
		{"name", "view", "", "string", "代币名称"},
		{"symbol", "view", "", "string", "代币符号"},
		{"decimals", "view", "", "uint8", "代币精度"},
		{"mint", "nonpayable", "address to, uint256 amount", "", "增发代币"},
		{"burn", "nonpayable", "uint256 amount", "", "销毁代币"},
		{"ownerOf", "view", "uint256 tokenId", "address", "查询 NFT 持有者"},
		{"safeTransferFrom", "nonpayable", "address from, address to, uint256 tokenId", "", "安全转移 NFT"},
		{"safeTransferFrom", "nonpayable", "address from, address to, uint256 tokenId, bytes data", "", "安全转移 NFT 并附带数据"},
		{"setApprovalForAll", "nonpayable", "address operator, bool approved", "", "批量授权操作员"},
		{"getApproved", "view", "uint256 tokenId", "address", "查询 NFT 授权地址"},
		{"isApprovedForAll", "view", "address owner, address operator", "bool", "查询操作员授权"},
		{"tokenURI", "view", "uint256 tokenId", "string", "NFT 元数据地址"},
		{"supportsInterface", "view", "bytes4 interfaceId", "bool", "ERC165 接口探测"},
		{"owner", "view", "", "address", "合约所有者"},
		{"transferOwnership", "nonpayable", "address newOwner", "", "转移所有权"},
		{"renounceOwnership", "nonpayable", "", "", "放弃所有权"},
		{"pause", "nonpayable", "", "", "暂停合约"},
		{"unpause", "nonpayable", "", "", "恢复合约"},
		{"paused", "view", "", "bool", "查询是否暂停"},
		{"upgradeTo", "nonpayable", "address newImplementation", "", "升级实现合约"},
		{"upgradeToAndCall", "payable", "address newImplementation, bytes data", "", "升级并调用初始化"},
		{"implementation", "view", "", "address", "当前实现合约"},
		{"admin", "view", "", "address", "代理管理员"},
		{"getReserves", "view", "", "uint112 reserve0, uint112 reserve1, uint32 blockTimestampLast", "交易对储备量"},
		{"token0", "view", "", "address", "交易对 token0"},
		{"token1", "view", "", "address", "交易对 token1"},
		{"factory", "view", "", "address", "工厂合约"},
		{"swap", "nonpayable", "uint256 amount0Out, uint256 amount1Out, address to, bytes data", "", "执行兑换"},
		{"sync", "nonpayable", "", "", "同步储备量"},
		{"skim", "nonpayable", "address to", "", "提取多余余额"},
		{"balanceOfBatch", "view", "address[] accounts, uint256[] ids", "uint256[]", "批量查询余额"},
		{"safeBatchTransferFrom", "nonpayable", "address from, address to, uint256[] ids, uint256[] amounts, bytes data", "", "批量转移"},
		{"uri", "view", "uint256 id", "string", "元数据地址"},
		{"deposit", "payable", "", "", "存入 ETH"},
		{"withdraw", "nonpayable", "uint256 amount", "", "取回 ETH"},
	} {
		inputs := parseParams(def.inputs)
		signature := contract.Signature(def.name, inputs)
		selector := contract.SelectorOf(signature)
		knownFunctions[selector] = KnownFunction{
			Name:            def.name,
			Signature:       signature,
			Selector:        selector,
			StateMutability: def.mutability,
			Inputs:          inputs,
			Outputs:         parseParams(def.outputs),
			Documentation:   def.doc,
		}
	}

	for _, def := range []struct{ name, inputs string }{
		{"Transfer", "address indexed from, address indexed to, uint256 value"},
		{"Approval", "address indexed owner, address indexed spender, uint256 value"},
		{"ApprovalForAll", "address indexed owner, address indexed operator, bool approved"},
		{"OwnershipTransferred", "address indexed previousOwner, address indexed newOwner"},
		{"Paused", "address account"},
		{"Unpaused", "address account"},
		{"Upgraded", "address indexed implementation"},
		{"AdminChanged", "address previousAdmin, address newAdmin"},
		{"Swap", "address indexed sender, uint256 amount0In, uint256 amount1In, uint256 amount0Out, uint256 amount1Out, address indexed to"},
		{"Sync", "uint112 reserve0, uint112 reserve1"},
		{"Mint", "address indexed sender, uint256 amount0, uint256 amount1"},
		{"Burn", "address indexed sender, uint256 amount0, uint256 amount1, address indexed to"},
		{"TransferSingle", "address indexed operator, address indexed from, address indexed to, uint256 id, uint256 value"},
		{"TransferBatch", "address indexed operator, address indexed from, address indexed to, uint256[] ids, uint256[] values"},
		{"URI", "string value, uint256 indexed id"},
		{"Deposit", "address indexed dst, uint256 wad"},
		{"Withdrawal", "address indexed src, uint256 wad"},
	} {
		inputs := parseParams(def.inputs)
		signature := contract.Signature(def.name, inputs)
		topic := contract.TopicOf(signature)
		knownEvents[topic] = KnownEvent{Name: def.name, Signature: signature, Topic: topic, Inputs: inputs}
	}
}

// parseParams 解析 "address to, uint256 amount" 形式的参数描述。
func parseParams(decl string) []contract.Parameter {
	decl = strings.TrimSpace(decl)
	if decl == "" {
		return []contract.Parameter{}
	}
	parts := strings.Split(decl, ",")
	params := make([]contract.Parameter, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(part)
		p := contract.Parameter{Type: fields[0]}
		for _, field := range fields[1:] {
			if field == "indexed" {
				p.Indexed = true
				continue
			}
			p.Name = field
		}
		params = append(params, p)
	}
	return params
}

// LookupSelector 查询常见函数选择器，selector 需带 0x 前缀。
func LookupSelector(selector string) (KnownFunction, bool) {
	fn, ok := knownFunctions[strings.ToLower(selector)]
	return fn, ok
}

// LookupEventTopic 查询常见事件 topic。
func LookupEventTopic(topic string) (KnownEvent, bool) {
	ev, ok := knownEvents[strings.ToLower(topic)]
	return ev, ok
}

// FunctionsByName 返回名称匹配（大小写不敏感）的全部已知函数。
func FunctionsByName(name string) []KnownFunction {
	var result []KnownFunction
	for _, fn := range knownFunctions {
		if strings.EqualFold(fn.Name, name) {
			result = append(result, fn)
		}
	}
	sort.Slice(result, func(i, j int) bool { return len(result[i].Inputs) < len(result[j].Inputs) })
	return result
}
