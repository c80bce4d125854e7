package analyzer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"ChainPilot/internal/cache"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// 置信度取值。
const (
	ConfidenceCached    = 0.95
	ConfidenceVerified  = 0.9
	ConfidenceHeuristic = 0.6
)

// 分析结果来源。
const (
	SourceCache     = "cache"
	SourceVerified  = "verified"
	SourceHeuristic = "heuristic"
)

// AnalysisResult 是一次分析的结果，失败时 Success 为 false 且 Error 非空。
type AnalysisResult struct {
	Success     bool                     `json:"success"`
	Contract    *contract.Info           `json:"contract,omitempty"`
	Patterns    []knowledge.PatternMatch `json:"patterns,omitempty"`
	Confidence  float64                  `json:"confidence"`
	Source      string                   `json:"source,omitempty"`
	Suggestions []string                 `json:"suggestions,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Engine 是合约分析引擎。
type Engine struct {
	reader       web3.Reader
	abiSource    knowledge.ABISource
	cache        cache.Store[*contract.Info]
	maxSelectors int
	logger       *slog.Logger
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithABISource 配置已验证 ABI 来源。
func WithABISource(source knowledge.ABISource) Option {
	return func(e *Engine) {
		e.abiSource = source
	}
}

// WithCache 替换默认的内存缓存。
func WithCache(store cache.Store[*contract.Info]) Option {
	return func(e *Engine) {
		if store != nil {
			e.cache = store
		}
	}
}

// WithMaxSelectors 设置启发式提取的选择器上限。
func WithMaxSelectors(max int) Option {
	return func(e *Engine) {
		e.maxSelectors = max
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine 创建分析引擎。
func NewEngine(reader web3.Reader, opts ...Option) *Engine {
	e := &Engine{
		reader:       reader,
		abiSource:    knowledge.NewABIRegistry(),
		cache:        cache.NewMemoryStore[*contract.Info](),
		maxSelectors: DefaultMaxSelectors,
		logger:       logger.Named("analyzer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.maxSelectors <= 0 {
		e.maxSelectors = DefaultMaxSelectors
	}
	return e
}

// AnalyzeContract 分析指定地址的合约。同一地址的重复调用直接返回缓存中的同一对象，
// 不再访问链。失败时同时返回描述失败的结果与带错误码的 error。
func (e *Engine) AnalyzeContract(ctx context.Context, address string) (*AnalysisResult, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return failed(xerrors.Newf(xerrors.CodeInvalidAddress, "地址格式非法: %s", address))
	}
	key := strings.ToLower(address)

	if info, ok, err := e.cache.Get(ctx, key); err != nil {
		e.logger.Warn("读取合约缓存失败", slog.String("address", key), slog.Any("error", err))
	} else if ok && info != nil {
		metrics.ObserveAnalysis(SourceCache)
		return e.buildResult(info, ConfidenceCached, SourceCache), nil
	}

	if e.reader == nil {
		return failed(xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口"))
	}
	code, err := e.reader.Code(ctx, common.HexToAddress(address))
	if err != nil {
		return failed(xerrors.Wrap(xerrors.CodeChainFailure, err, "获取合约代码失败"))
	}
	if len(code) == 0 {
		return failed(xerrors.Newf(xerrors.CodeNoContract, "地址 %s 上没有合约代码", key))
	}

	info, source := e.analyze(ctx, key, code)
	if err := e.cache.Put(ctx, key, info); err != nil {
		e.logger.Warn("写入合约缓存失败", slog.String("address", key), slog.Any("error", err))
	}

	confidence := ConfidenceHeuristic
	if source == SourceVerified {
		confidence = ConfidenceVerified
	}
	result := e.buildResult(info, confidence, source)
	metrics.ObserveAnalysis(source)
	e.logger.Debug("合约分析完成",
		slog.String("address", key),
		slog.String("source", source),
		slog.Int("functions", len(info.Functions)),
		slog.Int("events", len(info.Events)),
		slog.Int("patterns", len(result.Patterns)))
	return result, nil
}

func (e *Engine) analyze(ctx context.Context, address string, code []byte) (*contract.Info, string) {
	info := &contract.Info{
		Address:  address,
		Bytecode: "0x" + hex.EncodeToString(code),
	}

	if e.abiSource != nil {
		abiJSON, ok, err := e.abiSource.VerifiedABI(ctx, address)
		switch {
		case err != nil:
			e.logger.Warn("获取已验证 ABI 失败，回退到启发式分析", slog.String("address", address), slog.Any("error", err))
		case ok:
			functions, events, parseErr := contract.FromABI(abiJSON)
			if parseErr == nil {
				info.ABI = abiJSON
				info.Verified = true
				info.Functions = functions
				info.Events = events
				return info, SourceVerified
			}
			e.logger.Warn("已验证 ABI 无法解析，回退到启发式分析", slog.String("address", address), slog.Any("error", parseErr))
		}
	}

	info.Functions = functionsFromSelectors(ExtractSelectors(code, e.maxSelectors))
	info.Events = ExtractEventTopics(code)
	info.ABI = contract.SynthesizeABI(info.Functions, info.Events)
	return info, SourceHeuristic
}

func (e *Engine) buildResult(info *contract.Info, confidence float64, source string) *AnalysisResult {
	patterns := IdentifyPatterns(info)
	return &AnalysisResult{
		Success:     true,
		Contract:    info,
		Patterns:    patterns,
		Confidence:  confidence,
		Source:      source,
		Suggestions: suggestions(info, patterns),
	}
}

// IdentifyPatterns 根据函数与事件名称匹配模式表。
func IdentifyPatterns(info *contract.Info) []knowledge.PatternMatch {
	if info == nil {
		return nil
	}
	functionNames := lo.Map(info.Functions, func(fn contract.Function, _ int) string { return fn.Name })
	eventNames := lo.Map(info.Events, func(ev contract.Event, _ int) string { return ev.Name })
	return knowledge.MatchPatterns(functionNames, eventNames)
}

func suggestions(info *contract.Info, patterns []knowledge.PatternMatch) []string {
	var out []string
	if !info.Verified {
		out = append(out, "合约源码未验证，函数列表基于字节码推断，可能不完整")
	}
	if len(info.Functions) == 0 {
		out = append(out, "未能从字节码中识别任何函数选择器")
	}
	if unknown := lo.CountBy(info.Functions, func(fn contract.Function) bool { return fn.IsPlaceholder() }); unknown > 0 {
		out = append(out, fmt.Sprintf("有 %d 个函数无法识别名称，只能按选择器调用", unknown))
	}
	for _, match := range patterns {
		switch match.Pattern.Category {
		case "token", "nft":
			out = append(out, fmt.Sprintf("检测到代币合约 (%s)，可使用标准接口查询余额与转账", match.Pattern.Name))
		case "proxy":
			out = append(out, "检测到可升级代理，实现合约可能被替换，请核实管理员身份")
		case "access-control":
			out = append(out, fmt.Sprintf("合约具备 %s 权限控制，部分函数仅限特权账户调用", match.Pattern.Name))
		case "defi":
			out = append(out, fmt.Sprintf("检测到 %s，交互前请评估滑点与价格影响", match.Pattern.Name))
		}
	}
	if info.HasFunction("selfdestruct") || info.HasFunction("kill") {
		out = append(out, "合约可能包含自毁逻辑")
	}
	return lo.Uniq(out)
}

// CachedContract 返回缓存中的合约信息，不访问链。
func (e *Engine) CachedContract(ctx context.Context, address string) (*contract.Info, bool) {
	info, ok, err := e.cache.Get(ctx, strings.ToLower(strings.TrimSpace(address)))
	if err != nil || !ok {
		return nil, false
	}
	return info, true
}

// ClearCache 清空分析缓存。
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.cache.Clear(ctx)
}

func failed(err *xerrors.Error) (*AnalysisResult, error) {
	return &AnalysisResult{Success: false, Confidence: 0, Error: err.Error()}, err
}
