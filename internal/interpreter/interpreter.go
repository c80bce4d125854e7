package interpreter

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// ContractExplorer 是解释器依赖的合约探索能力，由 *explorer.Explorer 实现。
type ContractExplorer interface {
	ExploreContracts(ctx context.Context, req explorer.Request) (*explorer.Result, error)
	ContractFunctions(ctx context.Context, address string) ([]contract.Function, bool)
}

// Interpreter 负责解释指令并执行生成的动作。
type Interpreter struct {
	client    web3.Client
	explorer  ContractExplorer
	knowledge knowledge.Provider
	artifacts ArtifactSource
	uploader  Uploader
	handlers  map[string]StepHandler
	logger    *slog.Logger
}

// Option 定义 Interpreter 的可选配置。
type Option func(*Interpreter)

// WithExplorer 设置合约探索器。
func WithExplorer(e ContractExplorer) Option {
	return func(i *Interpreter) {
		i.explorer = e
	}
}

// WithKnowledge 设置知识库。
func WithKnowledge(p knowledge.Provider) Option {
	return func(i *Interpreter) {
		if p != nil {
			i.knowledge = p
		}
	}
}

// WithArtifactSource 设置编译产物来源。
func WithArtifactSource(s ArtifactSource) Option {
	return func(i *Interpreter) {
		i.artifacts = s
	}
}

// WithUploader 设置数据上传端口。
func WithUploader(u Uploader) Option {
	return func(i *Interpreter) {
		i.uploader = u
	}
}

// WithStepHandler 注册或覆盖某个动作名称的处理器。
func WithStepHandler(action string, handler StepHandler) Option {
	return func(i *Interpreter) {
		if handler != nil {
			i.handlers[action] = handler
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(i *Interpreter) {
		if l != nil {
			i.logger = l
		}
	}
}

// New 创建解释器并注册内置步骤处理器。
func New(client web3.Client, opts ...Option) *Interpreter {
	i := &Interpreter{
		client:    client,
		knowledge: knowledge.DefaultProvider(3),
		handlers:  make(map[string]StepHandler),
		logger:    logger.Named("interpreter"),
	}
	i.registerBuiltins()
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// InterpretTask 将指令解释为可执行动作。
func (i *Interpreter) InterpretTask(ctx context.Context, req TaskRequest) (*ExecutableAction, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令不能为空")
	}

	intent := ExtractIntent(instruction)
	entities := ExtractEntities(instruction)
	if explicit := strings.ToLower(stringParam(req.Parameters, "address")); explicit != "" {
		if !common.IsHexAddress(explicit) {
			return nil, xerrors.Newf(xerrors.CodeInvalidAddress, "地址格式非法: %s", explicit)
		}
		entities.Addresses = lo.Uniq(append([]string{explicit}, entities.Addresses...))
	}

	known := i.collectKnowledge(ctx, instruction, intent, entities)
	action, err := BuildAction(intent, entities, known, req.Parameters)
	if err != nil {
		i.logger.Debug("生成动作失败", slog.String("intent", string(intent)), slog.Any("error", err))
		return nil, err
	}
	i.logger.Info("指令解释完成",
		slog.String("task_id", req.ID),
		slog.String("intent", string(intent)),
		slog.String("action", string(action.Type)),
		slog.Int("steps", len(action.Steps)),
	)
	return action, nil
}

// ProcessTask 解释并立即执行指令。
func (i *Interpreter) ProcessTask(ctx context.Context, req TaskRequest) (*ExecutableAction, *TaskResult, error) {
	action, err := i.InterpretTask(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	result, err := i.ExecuteAction(ctx, action)
	return action, result, err
}

func (i *Interpreter) collectKnowledge(ctx context.Context, instruction string, intent Intent, entities Entities) KnowledgeResults {
	known := KnowledgeResults{ContractFunctions: map[string][]contract.Function{}}
	if i.knowledge != nil {
		known.Snippets = i.knowledge.Query(instruction, string(intent))
	}
	if i.explorer == nil {
		return known
	}
	for _, address := range entities.Addresses {
		if functions, ok := i.explorer.ContractFunctions(ctx, address); ok {
			known.ContractFunctions[address] = functions
		}
	}
	return known
}
