package toolgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"ChainPilot/internal/cache"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// DefaultMaxToolsPerContract 是单个合约最多生成的函数工具数量。
const DefaultMaxToolsPerContract = 25

// Options 控制工具生成的范围与命名。
type Options struct {
	Prefix                  string
	IncludeReadFunctions    bool
	IncludeWriteFunctions   bool
	IncludePayableFunctions bool
	MaxToolsPerContract     int
}

// DefaultOptions 返回包含全部类别的默认选项。
func DefaultOptions() Options {
	return Options{
		Prefix:                  "contract",
		IncludeReadFunctions:    true,
		IncludeWriteFunctions:   true,
		IncludePayableFunctions: true,
		MaxToolsPerContract:     DefaultMaxToolsPerContract,
	}
}

// Executor 执行工具并返回可序列化的结果。
type Executor func(ctx context.Context, args map[string]any) (any, error)

// Metadata 描述工具对应的合约函数。
type Metadata struct {
	Category        string `json:"category"`
	ContractAddress string `json:"contractAddress"`
	FunctionName    string `json:"functionName,omitempty"`
	Signature       string `json:"signature,omitempty"`
	Selector        string `json:"selector,omitempty"`
	RequiresSigner  bool   `json:"requiresSigner"`
}

// Tool 是一个可独立调用的合约工具。
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputSchema *Schema  `json:"inputSchema"`
	Metadata    Metadata `json:"metadata"`
	Execute     Executor `json:"-"`
}

// TransactionResult 是写操作工具的返回值。
type TransactionResult struct {
	TransactionHash string `json:"transactionHash"`
	GasUsed         uint64 `json:"gasUsed"`
	BlockNumber     uint64 `json:"blockNumber"`
	LogCount        int    `json:"logCount"`
}

// GenerationResult 汇总一次生成的结果。
type GenerationResult struct {
	Success         bool     `json:"success"`
	ContractAddress string   `json:"contractAddress"`
	Tools           []*Tool  `json:"tools"`
	Warnings        []string `json:"warnings,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Generator 生成并缓存合约工具。
type Generator struct {
	client web3.Client
	cache  cache.Store[[]*Tool]
	logger *slog.Logger
}

// GeneratorOption 定义 Generator 的可选配置。
type GeneratorOption func(*Generator)

// WithToolCache 替换默认的内存缓存。执行器是闭包，只能使用进程内缓存。
func WithToolCache(store cache.Store[[]*Tool]) GeneratorOption {
	return func(g *Generator) {
		if store != nil {
			g.cache = store
		}
	}
}

// WithGeneratorLogger 设置日志实例。
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator 创建工具生成器。
func NewGenerator(client web3.Client, opts ...GeneratorOption) *Generator {
	g := &Generator{
		client: client,
		cache:  cache.NewMemoryStore[[]*Tool](),
		logger: logger.Named("toolgen"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// GenerateToolsForContract 为合约生成工具，并整体替换该地址之前的工具。
func (g *Generator) GenerateToolsForContract(ctx context.Context, info *contract.Info, opts Options) (*GenerationResult, error) {
	if info == nil || !common.IsHexAddress(info.Address) {
		err := xerrors.New(xerrors.CodeInvalidArgument, "合约信息缺失或地址非法")
		return &GenerationResult{Success: false, Error: err.Error()}, err
	}
	if opts.Prefix == "" {
		opts.Prefix = "contract"
	}
	if opts.MaxToolsPerContract <= 0 {
		opts.MaxToolsPerContract = DefaultMaxToolsPerContract
	}

	address := strings.ToLower(info.Address)
	result := &GenerationResult{Success: true, ContractAddress: address}

	eligible := lo.Filter(info.Functions, func(fn contract.Function, _ int) bool {
		if fn.Type != "" && fn.Type != contract.TypeFunction {
			return false
		}
		switch fn.Category() {
		case contract.CategoryRead:
			return opts.IncludeReadFunctions
		case contract.CategoryPayable:
			return opts.IncludePayableFunctions
		default:
			return opts.IncludeWriteFunctions
		}
	})
	if len(eligible) > opts.MaxToolsPerContract {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("合约共有 %d 个符合条件的函数，仅为前 %d 个生成工具", len(eligible), opts.MaxToolsPerContract))
		eligible = eligible[:opts.MaxToolsPerContract]
	}

	slug := ContractSlug(address)
	used := make(map[string]bool, len(eligible)+1)
	tools := make([]*Tool, 0, len(eligible)+1)
	for _, fn := range eligible {
		name := fmt.Sprintf("%s_%s_%s", opts.Prefix, slug, FunctionSlug(fn.Name))
		if used[name] {
			name = name + "_" + strings.TrimPrefix(fn.Selector, "0x")
		}
		used[name] = true
		tools = append(tools, g.functionTool(name, address, fn))
	}
	tools = append(tools, g.infoTool(fmt.Sprintf("%s_%s_contract_info", opts.Prefix, slug), info))
	result.Tools = tools

	if err := g.cache.Put(ctx, address, tools); err != nil {
		g.logger.Warn("写入工具缓存失败", slog.String("address", address), slog.Any("error", err))
	}
	g.logger.Debug("工具生成完成", slog.String("address", address), slog.Int("tools", len(tools)))
	return result, nil
}

func (g *Generator) functionTool(name, address string, fn contract.Function) *Tool {
	tool := &Tool{
		Name:        name,
		Description: describe(address, fn),
		InputSchema: GenerateInputSchema(fn),
		Metadata: Metadata{
			Category:        fn.Category(),
			ContractAddress: address,
			FunctionName:    fn.Name,
			Signature:       fn.Signature,
			Selector:        fn.Selector,
			RequiresSigner:  !fn.IsRead(),
		},
	}
	to := common.HexToAddress(address)
	if fn.IsRead() {
		tool.Execute = g.readExecutor(tool, to, fn)
	} else {
		tool.Execute = g.writeExecutor(tool, to, fn)
	}
	return tool
}

func (g *Generator) readExecutor(tool *Tool, to common.Address, fn contract.Function) Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if g.client == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
		}
		if err := ValidateInput(tool.InputSchema, args); err != nil {
			return nil, err
		}
		data, err := EncodeCall(fn, args)
		if err != nil {
			return nil, err
		}
		output, err := g.client.Call(ctx, to, data)
		if err != nil {
			return nil, err
		}
		return DecodeOutputs(fn, output)
	}
}

func (g *Generator) writeExecutor(tool *Tool, to common.Address, fn contract.Function) Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if g.client == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
		}
		if g.client.Signer() == nil {
			return nil, web3.ErrSignerRequired
		}
		if err := ValidateInput(tool.InputSchema, args); err != nil {
			return nil, err
		}
		data, err := EncodeCall(fn, args)
		if err != nil {
			return nil, err
		}
		value, gasLimit, gasPrice, err := TransactionOverrides(args)
		if err != nil {
			return nil, err
		}
		if value != nil && value.Sign() > 0 && !fn.IsPayable() {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "函数 %s 不是 payable，不能附带 value", fn.Name)
		}

		pending, err := g.client.SendTransaction(ctx, web3.Transaction{
			To:       &to,
			Data:     data,
			Value:    value,
			GasLimit: gasLimit,
			GasPrice: gasPrice,
		})
		if err != nil {
			return nil, err
		}
		receipt, err := pending.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return ReceiptResult(pending.Hash().Hex(), receipt)
	}
}

// ReceiptResult 将回执转换为 TransactionResult，回执状态失败时返回 STEP_EXECUTION_FAILED。
func ReceiptResult(hash string, receipt *coretypes.Receipt) (*TransactionResult, error) {
	result := &TransactionResult{TransactionHash: hash}
	if receipt == nil {
		return result, nil
	}
	result.GasUsed = receipt.GasUsed
	result.LogCount = len(receipt.Logs)
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return result, xerrors.New(xerrors.CodeStepExecutionFailed, fmt.Sprintf("交易 %s 执行失败（已回滚）", hash),
			xerrors.WithMetadata("transaction_hash", hash))
	}
	return result, nil
}

func (g *Generator) infoTool(name string, info *contract.Info) *Tool {
	snapshot := map[string]any{
		"address":       strings.ToLower(info.Address),
		"verified":      info.Verified,
		"functionCount": len(info.Functions),
		"eventCount":    len(info.Events),
		"functions":     lo.Map(info.Functions, func(fn contract.Function, _ int) string { return fn.Name }),
		"events":        lo.Map(info.Events, func(ev contract.Event, _ int) string { return ev.Name }),
	}
	return &Tool{
		Name:        name,
		Description: fmt.Sprintf("返回合约 %s 的概要信息：函数 %d 个，事件 %d 个，源码%s验证。", info.Address, len(info.Functions), len(info.Events), lo.Ternary(info.Verified, "已", "未")),
		InputSchema: &Schema{Type: "object", Properties: map[string]*Schema{}},
		Metadata: Metadata{
			Category:        contract.CategoryRead,
			ContractAddress: strings.ToLower(info.Address),
		},
		Execute: func(context.Context, map[string]any) (any, error) {
			return snapshot, nil
		},
	}
}

func describe(address string, fn contract.Function) string {
	var b strings.Builder
	identity := fn.Signature
	if identity == "" {
		identity = fn.Name + " (" + fn.Selector + ")"
	}
	fmt.Fprintf(&b, "调用合约 %s 的 %s。", address, identity)
	if fn.Documentation != "" {
		fmt.Fprintf(&b, "%s。", fn.Documentation)
	}
	fmt.Fprintf(&b, "输入: %s；输出: %s。", summarize(fn.Inputs), summarize(fn.Outputs))
	switch fn.Category() {
	case contract.CategoryRead:
		b.WriteString("只读调用，不需要签名账户。")
	case contract.CategoryPayable:
		b.WriteString("警告：该函数为 payable，会从签名账户转出 value 指定数量的 ETH。")
	default:
		b.WriteString("会发送交易，需要连接签名账户。")
	}
	return b.String()
}

func summarize(params []contract.Parameter) string {
	if len(params) == 0 {
		return "无"
	}
	parts := lo.Map(params, func(p contract.Parameter, i int) string {
		if p.Name == "" {
			return p.Type
		}
		return p.Type + " " + p.Name
	})
	return strings.Join(parts, ", ")
}

// ContractSlug 取地址去掉 0x 后的前 8 位小写十六进制。
func ContractSlug(address string) string {
	hex := strings.TrimPrefix(strings.ToLower(address), "0x")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return hex
}

// FunctionSlug 将驼峰函数名转换为 snake_case。
func FunctionSlug(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// Tools 返回缓存中某个合约的工具。
func (g *Generator) Tools(ctx context.Context, address string) ([]*Tool, bool) {
	tools, ok, err := g.cache.Get(ctx, address)
	if err != nil || !ok {
		return nil, false
	}
	return tools, true
}

// Tool 在全部缓存中按名称查找工具。
func (g *Generator) Tool(ctx context.Context, name string) (*Tool, bool) {
	keys, err := g.cache.Keys(ctx)
	if err != nil {
		return nil, false
	}
	for _, key := range keys {
		tools, _ := g.Tools(ctx, key)
		if tool, ok := lo.Find(tools, func(t *Tool) bool { return t.Name == name }); ok {
			return tool, true
		}
	}
	return nil, false
}

// ClearCache 清空全部已生成的工具。
func (g *Generator) ClearCache(ctx context.Context) error {
	return g.cache.Clear(ctx)
}
