package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"ChainPilot/internal/analyzer"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/toolgen"
	"ChainPilot/pkg/logger"
)

// Request 描述一次探索请求，Address 与 FunctionSignature 至少提供一个。
type Request struct {
	Address           string `json:"address,omitempty"`
	FunctionSignature string `json:"functionSignature,omitempty"`
	IncludeTools      bool   `json:"includeTools,omitempty"`
}

// ExplorationData 是单个合约的探索结果。
type ExplorationData struct {
	Address    string                   `json:"address"`
	Contract   *contract.Info           `json:"contract"`
	Patterns   []knowledge.PatternMatch `json:"patterns"`
	Confidence float64                  `json:"confidence"`
	Tools      []*toolgen.Tool          `json:"tools,omitempty"`
	History    []Interaction            `json:"history"`
	Risk       RiskAssessment           `json:"risk"`
	ExploredAt time.Time                `json:"exploredAt"`
}

// Result 汇总探索结果。
type Result struct {
	Success     bool               `json:"success"`
	Contracts   []*ExplorationData `json:"contracts"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Explorer 组合分析引擎与工具生成器。
type Explorer struct {
	analyzer     *analyzer.Engine
	generator    *toolgen.Generator
	history      HistorySource
	cache        cache.Store[*ExplorationData]
	toolOptions  toolgen.Options
	historyLimit int
	logger       *slog.Logger
}

// Option 定义 Explorer 的可选配置。
type Option func(*Explorer)

// WithHistorySource 设置交互历史来源。
func WithHistorySource(source HistorySource) Option {
	return func(e *Explorer) {
		if source != nil {
			e.history = source
		}
	}
}

// WithToolOptions 设置工具生成选项。
func WithToolOptions(opts toolgen.Options) Option {
	return func(e *Explorer) {
		e.toolOptions = opts
	}
}

// WithHistoryLimit 设置返回的历史条数上限。
func WithHistoryLimit(limit int) Option {
	return func(e *Explorer) {
		if limit > 0 {
			e.historyLimit = limit
		}
	}
}

// WithExplorationCache 替换默认的内存缓存。
func WithExplorationCache(store cache.Store[*ExplorationData]) Option {
	return func(e *Explorer) {
		if store != nil {
			e.cache = store
		}
	}
}

// New 创建 Explorer。
func New(engine *analyzer.Engine, generator *toolgen.Generator, opts ...Option) *Explorer {
	e := &Explorer{
		analyzer:     engine,
		generator:    generator,
		history:      NoHistory{},
		cache:        cache.NewMemoryStore[*ExplorationData](),
		toolOptions:  toolgen.DefaultOptions(),
		historyLimit: 20,
		logger:       logger.Named("explorer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExploreContracts 按地址探索合约，或在缓存中按函数签名搜索。
func (e *Explorer) ExploreContracts(ctx context.Context, req Request) (*Result, error) {
	switch {
	case strings.TrimSpace(req.Address) != "":
		data, suggestions, err := e.exploreAddress(ctx, req.Address, req.IncludeTools)
		if err != nil {
			return &Result{Success: false, Contracts: []*ExplorationData{}, Suggestions: suggestions, Error: err.Error()}, err
		}
		return &Result{Success: true, Contracts: []*ExplorationData{data}, Suggestions: suggestions}, nil
	case strings.TrimSpace(req.FunctionSignature) != "":
		matches, err := e.searchBySignature(ctx, req.FunctionSignature)
		if err != nil {
			return &Result{Success: false, Contracts: []*ExplorationData{}, Error: err.Error()}, err
		}
		result := &Result{Success: true, Contracts: matches}
		if len(matches) == 0 {
			result.Suggestions = []string{"缓存中没有实现该函数的合约，可先按地址探索目标合约"}
		}
		return result, nil
	default:
		err := xerrors.New(xerrors.CodeInvalidArgument, "探索请求需要提供合约地址或函数签名")
		return &Result{Success: false, Contracts: []*ExplorationData{}, Error: err.Error()}, err
	}
}

func (e *Explorer) exploreAddress(ctx context.Context, address string, includeTools bool) (*ExplorationData, []string, error) {
	key := cache.NormalizeKey(address)

	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok && cached != nil {
		if !includeTools || len(cached.Tools) > 0 {
			return cached, nil, nil
		}
		updated := *cached
		tools, err := e.generateTools(ctx, cached.Contract)
		if err != nil {
			return nil, nil, err
		}
		updated.Tools = tools
		e.store(ctx, key, &updated)
		return &updated, nil, nil
	}

	analysis, err := e.analyzer.AnalyzeContract(ctx, address)
	if err != nil {
		var suggestions []string
		if analysis != nil {
			suggestions = analysis.Suggestions
		}
		return nil, suggestions, err
	}

	data := &ExplorationData{
		Address:    key,
		Contract:   analysis.Contract,
		Patterns:   analysis.Patterns,
		Confidence: analysis.Confidence,
		Risk:       AssessRisk(analysis.Contract),
		ExploredAt: time.Now().UTC(),
	}
	if includeTools {
		if data.Tools, err = e.generateTools(ctx, analysis.Contract); err != nil {
			return nil, analysis.Suggestions, err
		}
	}

	history, err := e.history.History(ctx, key, e.historyLimit)
	if err != nil {
		e.logger.Warn("获取交互历史失败，按空历史处理", slog.String("address", key), slog.Any("error", err))
	}
	if history == nil {
		history = []Interaction{}
	}
	data.History = history

	e.store(ctx, key, data)
	e.logger.Info("合约探索完成",
		slog.String("address", key),
		slog.Int("risk_score", data.Risk.Score),
		slog.String("risk_level", data.Risk.Level),
		slog.Int("tools", len(data.Tools)))
	return data, analysis.Suggestions, nil
}

func (e *Explorer) generateTools(ctx context.Context, info *contract.Info) ([]*toolgen.Tool, error) {
	if e.generator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具生成器")
	}
	result, err := e.generator.GenerateToolsForContract(ctx, info, e.toolOptions)
	if err != nil {
		return nil, err
	}
	for _, warning := range result.Warnings {
		e.logger.Warn(warning, slog.String("address", result.ContractAddress))
	}
	return result.Tools, nil
}

func (e *Explorer) store(ctx context.Context, key string, data *ExplorationData) {
	if err := e.cache.Put(ctx, key, data); err != nil {
		e.logger.Warn("写入探索缓存失败", slog.String("address", key), slog.Any("error", err))
	}
}

var selectorQuery = regexp.MustCompile(`^0x[0-9a-f]{8}$`)

// searchBySignature 只在探索缓存中查找，不进行全链扫描。
func (e *Explorer) searchBySignature(ctx context.Context, query string) ([]*ExplorationData, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	keys, err := e.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	matches := []*ExplorationData{}
	for _, key := range keys {
		data, ok, err := e.cache.Get(ctx, key)
		if err != nil || !ok || data == nil || data.Contract == nil {
			continue
		}
		found := lo.ContainsBy(data.Contract.Functions, func(fn contract.Function) bool {
			if selectorQuery.MatchString(query) {
				return fn.Selector == query
			}
			return strings.Contains(strings.ToLower(fn.Name), query) ||
				(fn.Signature != "" && strings.Contains(strings.ToLower(fn.Signature), query))
		})
		if found {
			matches = append(matches, data)
		}
	}
	return matches, nil
}

// ContractInfo 返回合约信息，优先使用缓存，未命中时进行分析。
func (e *Explorer) ContractInfo(ctx context.Context, address string) (*contract.Info, error) {
	if data, ok, err := e.cache.Get(ctx, cache.NormalizeKey(address)); err == nil && ok && data != nil {
		return data.Contract, nil
	}
	analysis, err := e.analyzer.AnalyzeContract(ctx, address)
	if err != nil {
		return nil, err
	}
	return analysis.Contract, nil
}

// ContractFunctions 只查询已缓存的合约，不访问链。
func (e *Explorer) ContractFunctions(ctx context.Context, address string) ([]contract.Function, bool) {
	if data, ok, err := e.cache.Get(ctx, cache.NormalizeKey(address)); err == nil && ok && data != nil {
		return data.Contract.Functions, true
	}
	if info, ok := e.analyzer.CachedContract(ctx, address); ok {
		return info.Functions, true
	}
	return nil, false
}

// ClearCache 清空探索缓存，并级联清空分析与工具缓存。
func (e *Explorer) ClearCache(ctx context.Context) error {
	var errs []string
	if err := e.cache.Clear(ctx); err != nil {
		errs = append(errs, err.Error())
	}
	if e.analyzer != nil {
		if err := e.analyzer.ClearCache(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if e.generator != nil {
		if err := e.generator.ClearCache(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("清空缓存失败: %s", strings.Join(errs, "; ")))
	}
	return nil
}
