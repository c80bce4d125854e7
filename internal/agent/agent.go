package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/interpreter"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/workflow"
	"ChainPilot/pkg/logger"
)

// TaskRequest 描述了一条待执行的自然语言指令。
type TaskRequest struct {
	ID          string         `json:"id,omitempty"`
	Instruction string         `json:"instruction"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResult 汇总解释与执行得到的结果。
type TaskResult struct {
	Instruction     string                       `json:"instruction"`
	Intent          string                       `json:"intent"`
	ActionType      string                       `json:"action_type"`
	Success         bool                         `json:"success"`
	Outputs         map[string]any               `json:"outputs,omitempty"`
	CompletedSteps  []string                     `json:"completed_steps,omitempty"`
	ExecutionID     string                       `json:"execution_id,omitempty"`
	ExecutionStatus string                       `json:"execution_status,omitempty"`
	Transactions    []workflow.TransactionRecord `json:"transactions,omitempty"`
	GasUsed         uint64                       `json:"gas_used,omitempty"`
	Warnings        []string                     `json:"warnings,omitempty"`
	Suggestions     []string                     `json:"suggestions,omitempty"`
	Knowledge       []string                     `json:"knowledge,omitempty"`
	ChainID         string                       `json:"chain_id"`
	BlockNumber     string                       `json:"block_number"`
	Observations    string                       `json:"observations"`
	Error           string                       `json:"error,omitempty"`
	CreatedAt       int64                        `json:"created_at"`
}

// Interpreter 是 Agent 依赖的指令解释能力。
type Interpreter interface {
	InterpretTask(ctx context.Context, req interpreter.TaskRequest) (*interpreter.ExecutableAction, error)
	ExecuteAction(ctx context.Context, action *interpreter.ExecutableAction) (*interpreter.TaskResult, error)
}

// WorkflowRunner 以工作流的方式执行解释得到的动作。
type WorkflowRunner interface {
	ExecuteAction(ctx context.Context, action *interpreter.ExecutableAction, params map[string]any) (*workflow.Result, error)
}

// Agent 串联指令解释、工作流执行与链上快照，是系统的业务入口。
type Agent struct {
	interpreter Interpreter
	workflows   WorkflowRunner
	web3Client  web3.Client
	timeout     time.Duration
	logger      *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithWorkflowEngine 让动作经由工作流引擎执行，从而获得预检与执行记录。
func WithWorkflowEngine(runner WorkflowRunner) Option {
	return func(a *Agent) {
		a.workflows = runner
	}
}

// WithExecutionTimeout 设置单条指令的执行超时时间。
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.timeout = 0
			return
		}
		a.timeout = timeout
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(interp Interpreter, web3Client web3.Client, opts ...Option) *Agent {
	ag := &Agent{
		interpreter: interp,
		web3Client:  web3Client,
		logger:      logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Execute 解释指令并执行生成的动作。执行失败时同时返回结果与错误，
// 结果中保留已完成的步骤，错误码决定调用方是否重试。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if a.interpreter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置指令解释器")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令不能为空")
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	action, err := a.interpreter.InterpretTask(ctx, interpreter.TaskRequest{
		ID:          req.ID,
		Instruction: req.Instruction,
		Parameters:  req.Parameters,
	})
	if err != nil {
		return nil, classify(err, "解释指令失败")
	}

	result := &TaskResult{
		Instruction: req.Instruction,
		Intent:      string(action.Intent),
		ActionType:  string(action.Type),
		Warnings:    append([]string(nil), action.Warnings...),
		CreatedAt:   time.Now().Unix(),
	}
	observations := appendObservation("", describePlan(action))
	titles, knowledgeObservation := collectKnowledge(action)
	result.Knowledge = titles
	observations = appendObservation(observations, knowledgeObservation)

	var execErr error
	if a.workflows != nil {
		execErr = a.runWorkflow(ctx, action, req.Parameters, result)
	} else {
		execErr = a.runDirect(ctx, action, result)
	}
	if len(result.CompletedSteps) > 0 {
		observations = appendObservation(observations, fmt.Sprintf("已完成步骤: %s", strings.Join(result.CompletedSteps, ", ")))
	}
	if execErr != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = execErr.Error()
		}
		observations = appendObservation(observations, fmt.Sprintf("执行失败: %v", execErr))
	}

	if a.web3Client == nil {
		observations = appendObservation(observations, "未配置 Web3 客户端")
	} else {
		snapshot, err := a.web3Client.FetchChainSnapshot(ctx)
		if err != nil {
			observations = appendObservation(observations, fmt.Sprintf("获取链上信息失败: %v", err))
		} else {
			result.ChainID = snapshot.ChainID
			result.BlockNumber = snapshot.BlockNumber
		}
	}
	result.Observations = observations

	audit := logger.Audit()
	attrs := []any{
		slog.String("task_id", req.ID),
		slog.String("instruction", req.Instruction),
		slog.String("action_type", result.ActionType),
		slog.Bool("success", result.Success),
		slog.String("execution_id", result.ExecutionID),
		slog.Int("transactions", len(result.Transactions)),
	}
	if execErr != nil {
		audit.Warn("指令执行失败", append(attrs, slog.String("error", execErr.Error()))...)
		return result, classify(execErr, "执行动作失败")
	}
	audit.Info("指令执行完成", attrs...)
	return result, nil
}

func (a *Agent) runWorkflow(ctx context.Context, action *interpreter.ExecutableAction, params map[string]any, result *TaskResult) error {
	wfResult, err := a.workflows.ExecuteAction(ctx, action, params)
	if wfResult != nil {
		result.Success = wfResult.Success
		result.Error = wfResult.Error
		result.Suggestions = append(result.Suggestions, wfResult.Recommendations...)
		if exec := wfResult.Execution; exec != nil {
			result.ExecutionID = exec.ID
			result.ExecutionStatus = string(exec.Status)
			result.Outputs = exec.Outputs
			result.CompletedSteps = exec.CompletedSteps
			result.Transactions = exec.Transactions
			result.GasUsed = exec.TotalGasUsed
		}
	}
	if err != nil {
		a.logger.Debug("工作流执行失败",
			slog.String("action_type", string(action.Type)),
			slog.String("execution_id", result.ExecutionID),
			slog.Any("error", err))
	}
	return err
}

func (a *Agent) runDirect(ctx context.Context, action *interpreter.ExecutableAction, result *TaskResult) error {
	taskResult, err := a.interpreter.ExecuteAction(ctx, action)
	if taskResult != nil {
		result.Success = taskResult.Success
		result.Error = taskResult.Error
		result.Outputs = taskResult.Outputs
		result.CompletedSteps = taskResult.CompletedSteps
		result.Suggestions = append(result.Suggestions, taskResult.Suggestions...)
	}
	return err
}

// classify 为未分类的错误补上错误码，超时单独标记以便重试。
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, msg)
	}
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		return xerrors.Wrap(xerrors.CodeStepExecutionFailed, err, msg)
	}
	return err
}

func describePlan(action *interpreter.ExecutableAction) string {
	steps := lo.Map(action.Steps, func(step interpreter.ActionStep, _ int) string {
		return step.Action
	})
	plan := fmt.Sprintf("执行计划(%s): %s", action.Type, strings.Join(steps, " -> "))
	if len(action.Warnings) > 0 {
		plan += "\n注意: " + strings.Join(action.Warnings, "；")
	}
	return plan
}

// appendObservation 将新的观察结果追加到现有的观察字符串中。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}

// collectKnowledge 汇总解释阶段命中的知识条目标题。
func collectKnowledge(action *interpreter.ExecutableAction) ([]string, string) {
	titles := lo.FilterMap(action.Knowledge, func(snippet knowledge.Snippet, _ int) (string, bool) {
		title := strings.TrimSpace(snippet.Title)
		return title, title != ""
	})
	if len(titles) == 0 {
		return nil, ""
	}
	return titles, fmt.Sprintf("知识库提示: %s", strings.Join(titles, "；"))
}
