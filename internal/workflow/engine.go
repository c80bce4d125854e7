package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"ChainPilot/internal/config"
	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/interpreter"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3"
	"ChainPilot/pkg/logger"
)

// ContractResolver 为 contract_call 步骤提供合约 ABI，由 *explorer.Explorer 实现。
type ContractResolver interface {
	ContractInfo(ctx context.Context, address string) (*contract.Info, error)
}

// StepRunner 执行 action 类型的步骤，由 *interpreter.Interpreter 实现。
type StepRunner interface {
	RunStep(ctx context.Context, step interpreter.ActionStep, state *interpreter.State) (any, error)
}

// Engine 顺序执行工作流步骤，并在内存中登记所有执行实例。
type Engine struct {
	client       web3.Client
	contracts    ContractResolver
	steps        StepRunner
	gasThreshold *big.Int
	waitDuration time.Duration
	customChecks map[string]CustomCheck
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	executions  map[string]*Execution
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithContractResolver 设置 ABI 解析来源。
func WithContractResolver(r ContractResolver) Option {
	return func(e *Engine) {
		e.contracts = r
	}
}

// WithStepRunner 设置 action 步骤的执行器。
func WithStepRunner(r StepRunner) Option {
	return func(e *Engine) {
		e.steps = r
	}
}

// WithGasThreshold 设置预检要求的最低余额（wei）。
func WithGasThreshold(threshold *big.Int) Option {
	return func(e *Engine) {
		if threshold != nil && threshold.Sign() >= 0 {
			e.gasThreshold = threshold
		}
	}
}

// WithWaitDuration 设置 wait 步骤的默认时长。
func WithWaitDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.waitDuration = d
		}
	}
}

// WithCustomCheck 注册 custom 条件使用的检查函数。
func WithCustomCheck(name string, check CustomCheck) Option {
	return func(e *Engine) {
		if check != nil {
			e.customChecks[name] = check
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine 创建工作流引擎并加载内置定义。
func NewEngine(client web3.Client, opts ...Option) (*Engine, error) {
	threshold, _ := new(big.Int).SetString(config.DefaultGasThresholdWei, 10)
	e := &Engine{
		client:       client,
		gasThreshold: threshold,
		waitDuration: 5 * time.Second,
		customChecks: make(map[string]CustomCheck),
		sleep:        sleepContext,
		logger:       logger.Named("workflow"),
		definitions:  make(map[string]*Definition),
		executions:   make(map[string]*Execution),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	builtins, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	for _, def := range builtins {
		if err := e.RegisterDefinition(def); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RegisterDefinition 校验并登记定义，同 id 的定义会被覆盖。
func (e *Engine) RegisterDefinition(def *Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return nil
}

// Definitions 返回按 id 排序的全部定义。
func (e *Engine) Definitions() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := lo.Values(e.definitions)
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Definition 返回指定 id 的定义。
func (e *Engine) Definition(id string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[id]
	return def, ok
}

// Execution 返回执行实例的快照。
func (e *Engine) Execution(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil, false
	}
	return exec.clone(), true
}

// ActiveExecutions 返回仍在运行的执行实例快照。
func (e *Engine) ActiveExecutions() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	active := lo.FilterMap(lo.Values(e.executions), func(exec *Execution, _ int) (*Execution, bool) {
		return exec.clone(), exec.Status == StatusRunning
	})
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active
}

// CancelExecution 只对运行中的实例生效。正在执行的步骤会继续完成，之后的步骤不再执行。
func (e *Engine) CancelExecution(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "执行实例 %s 不存在", id)
	}
	if exec.Status != StatusRunning {
		return xerrors.Newf(xerrors.CodeConflict, "执行实例 %s 当前状态为 %s，无法取消", id, exec.Status)
	}
	exec.Status = StatusCancelled
	exec.Errors = append(exec.Errors, "执行已被取消")
	e.logger.Info("工作流执行已取消", slog.String("execution_id", id))
	return nil
}

// ExecuteWorkflow 按 id 执行已登记的定义。
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any) (*Result, error) {
	def, ok := e.Definition(workflowID)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "工作流 %s 不存在", workflowID)
	}
	missing := lo.Filter(def.Parameters, func(name string, _ int) bool {
		v, present := params[name]
		return !present || v == nil || v == ""
	})
	if len(missing) > 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "工作流 %s 缺少参数: %s", workflowID, strings.Join(missing, ", "))
	}
	return e.run(ctx, def, params)
}

// readOnlyActions 不需要签名账户的临时动作类型。
var readOnlyActions = map[interpreter.ActionType]bool{
	interpreter.ActionQueryBlockchain: true,
	interpreter.ActionAnalyzeContract: true,
}

// ExecuteAction 将临时动作转换为 action 步骤组成的定义后执行，语义与解释器一致：
// 可选步骤仅在依赖未完成时被跳过，任何步骤执行失败都会终止执行。
func (e *Engine) ExecuteAction(ctx context.Context, action *interpreter.ExecutableAction, params map[string]any) (*Result, error) {
	if action == nil || len(action.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待执行的动作为空")
	}
	def := &Definition{
		ID:          "adhoc_" + string(action.Type),
		Name:        action.Description,
		Description: action.Description,
		Category:    string(action.Type),
		ReadOnly:    readOnlyActions[action.Type] || action.ReadOnly,
		Steps: lo.Map(action.Steps, func(s interpreter.ActionStep, _ int) Step {
			return Step{
				ID:           s.ID,
				Name:         s.Description,
				Type:         StepAction,
				Action:       s.Action,
				Parameters:   s.Parameters,
				Dependencies: s.Dependencies,
				Optional:     s.Optional,
			}
		}),
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return e.run(ctx, def, params)
}

func (e *Engine) run(ctx context.Context, def *Definition, params map[string]any) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	exec := &Execution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		Status:         StatusPending,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Steps:          []StepRecord{},
		Transactions:   []TransactionRecord{},
		Errors:         []string{},
		Parameters:     params,
		Outputs:        map[string]any{},
		StartedAt:      time.Now().UTC(),
	}
	e.mu.Lock()
	e.executions[exec.ID] = exec
	exec.Status = StatusRunning
	e.mu.Unlock()

	log := e.logger.With(slog.String("execution_id", exec.ID), slog.String("workflow", def.ID))
	log.Info("工作流开始执行", slog.Int("steps", len(def.Steps)))

	validation := e.validate(ctx, def)
	if !validation.Valid {
		e.mu.Lock()
		exec.Errors = append(exec.Errors, validation.Errors...)
		e.finish(exec)
		snapshot := exec.clone()
		e.mu.Unlock()
		err := xerrors.New(xerrors.CodeValidationFailed, "执行前预检未通过: "+strings.Join(validation.Errors, "; "))
		log.Warn("工作流预检失败", slog.Any("error", err))
		return &Result{
			Success:         false,
			Execution:       snapshot,
			Validation:      validation,
			Recommendations: validation.Recommendations,
			Error:           err.Error(),
		}, err
	}

	signer := ""
	if e.client != nil && e.client.Signer() != nil {
		signer = strings.ToLower(e.client.Signer().Address().Hex())
	}
	state := interpreter.NewState()
	var interrupted error

	for idx, step := range def.Steps {
		e.mu.Lock()
		cancelled := exec.Status == StatusCancelled
		exec.CurrentStep = idx
		completed := lo.Associate(exec.CompletedSteps, func(id string) (string, bool) { return id, true })
		e.mu.Unlock()
		if cancelled {
			break
		}
		if err := ctx.Err(); err != nil {
			interrupted = err
			e.mu.Lock()
			exec.Errors = append(exec.Errors, "执行上下文已结束: "+err.Error())
			e.mu.Unlock()
			log.Warn("执行上下文已结束，停止后续步骤", slog.Any("error", err))
			break
		}

		record := StepRecord{StepID: step.ID, Type: step.Type, StartedAt: time.Now().UTC()}
		r := resolver{params: params, outputs: state.Outputs, signer: signer}

		var (
			output any
			err    error
			tx     *toolgen.TransactionResult
		)
		missing := lo.Filter(step.Dependencies, func(dep string, _ int) bool { return !completed[dep] })
		if len(missing) > 0 && step.Optional {
			record.Status = StatusSkipped
			record.ErrorMessage = "依赖步骤未完成: " + strings.Join(missing, ",")
			record.FinishedAt = time.Now().UTC()
			e.mu.Lock()
			exec.Steps = append(exec.Steps, record)
			e.mu.Unlock()
			log.Debug("跳过可选步骤", slog.String("step", step.ID), slog.Any("missing", missing))
			continue
		}
		if len(missing) > 0 {
			err = xerrors.New(xerrors.CodeMissingDependency,
				fmt.Sprintf("步骤 %s 依赖的步骤 %s 未完成", step.ID, strings.Join(missing, ",")),
				xerrors.WithMetadata("step", step.ID))
		} else if err = e.checkConditions(ctx, step, r); err == nil {
			output, tx, err = e.runStep(ctx, step, stepContext{resolver: r, state: state})
		}
		record.FinishedAt = time.Now().UTC()

		e.mu.Lock()
		if tx != nil {
			exec.Transactions = append(exec.Transactions, TransactionRecord{
				StepID:      step.ID,
				Hash:        tx.TransactionHash,
				GasUsed:     tx.GasUsed,
				BlockNumber: tx.BlockNumber,
				Success:     err == nil,
			})
		}
		if err != nil {
			record.Status = StatusFailed
			record.ErrorMessage = err.Error()
			exec.FailedSteps = append(exec.FailedSteps, step.ID)
			exec.Errors = append(exec.Errors, fmt.Sprintf("%s: %s", step.ID, err.Error()))
		} else {
			record.Status = StatusCompleted
			record.Output = output
			if tx != nil {
				record.GasUsed = tx.GasUsed
				exec.TotalGasUsed += tx.GasUsed
			}
			exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
			exec.Outputs[step.ID] = output
		}
		exec.Steps = append(exec.Steps, record)
		e.mu.Unlock()

		if err == nil {
			state.Outputs[step.ID] = output
			log.Debug("步骤完成", slog.String("step", step.ID))
			continue
		}
		log.Warn("步骤失败", slog.String("step", step.ID), slog.Bool("retryable", step.Retryable), slog.Any("error", err))
		if !step.Retryable {
			break
		}
	}

	e.mu.Lock()
	e.finish(exec)
	snapshot := exec.clone()
	e.mu.Unlock()

	result := &Result{
		Success:         snapshot.Status == StatusCompleted,
		Execution:       snapshot,
		Validation:      validation,
		Recommendations: recommendations(def, snapshot),
	}
	log.Info("工作流执行结束",
		slog.String("status", string(snapshot.Status)),
		slog.Int("failed", len(snapshot.FailedSteps)),
		slog.Uint64("gas_used", snapshot.TotalGasUsed))

	switch snapshot.Status {
	case StatusCompleted:
		return result, nil
	case StatusCancelled:
		err := xerrors.Newf(xerrors.CodeCancelled, "工作流执行 %s 已取消", snapshot.ID)
		result.Error = err.Error()
		return result, err
	default:
		var err error
		switch {
		case errors.Is(interrupted, context.DeadlineExceeded):
			err = xerrors.Wrap(xerrors.CodeTimeout, interrupted, "工作流执行超时", xerrors.WithMetadata("execution_id", snapshot.ID))
		case interrupted != nil:
			err = xerrors.Wrap(xerrors.CodeStepExecutionFailed, interrupted, "工作流执行因上下文结束而中止", xerrors.WithMetadata("execution_id", snapshot.ID))
		default:
			err = xerrors.New(xerrors.CodeStepExecutionFailed,
				fmt.Sprintf("工作流执行失败，失败步骤: %s", strings.Join(snapshot.FailedSteps, ", ")),
				xerrors.WithMetadata("execution_id", snapshot.ID))
		}
		result.Error = err.Error()
		return result, err
	}
}

// finish 在持有锁时调用。已取消的执行保持 cancelled。
func (e *Engine) finish(exec *Execution) {
	now := time.Now().UTC()
	exec.FinishedAt = &now
	switch {
	case exec.Status == StatusCancelled:
	case len(exec.FailedSteps) == 0 && len(exec.Errors) == 0:
		exec.Status = StatusCompleted
	default:
		exec.Status = StatusFailed
	}
	metrics.ObserveWorkflow(exec.WorkflowID, string(exec.Status), now.Sub(exec.StartedAt))
}

// validate 检查链访问端口、签名账户以及余额是否达到 gas 阈值。
func (e *Engine) validate(ctx context.Context, def *Definition) *Validation {
	v := &Validation{Valid: true, Threshold: e.gasThreshold.String()}
	if e.client == nil {
		v.Errors = append(v.Errors, "未配置链访问端口")
		v.Recommendations = append(v.Recommendations, "在配置中设置 web3.rpc_url 或链定义文件")
	}
	if def.ReadOnly || e.client == nil {
		v.Valid = len(v.Errors) == 0
		return v
	}

	signer := e.client.Signer()
	if signer == nil {
		v.Errors = append(v.Errors, "未连接签名账户")
		v.Recommendations = append(v.Recommendations, "配置私钥环境变量以连接签名账户")
		v.Valid = false
		return v
	}
	balance, err := e.client.Balance(ctx, signer.Address())
	if err != nil {
		v.Errors = append(v.Errors, "查询签名账户余额失败: "+err.Error())
		v.Recommendations = append(v.Recommendations, "检查 RPC 节点是否可用")
		v.Valid = false
		return v
	}
	v.Balance = balance.String()
	if balance.Cmp(e.gasThreshold) < 0 {
		v.Errors = append(v.Errors, fmt.Sprintf("签名账户余额 %s wei 低于 gas 阈值 %s wei", balance, e.gasThreshold))
		v.Recommendations = append(v.Recommendations, "为签名账户充值后重试")
	}
	v.Valid = len(v.Errors) == 0
	return v
}

func recommendations(def *Definition, exec *Execution) []string {
	var out []string
	switch exec.Status {
	case StatusCompleted:
		out = append(out, fmt.Sprintf("工作流执行成功，共消耗 gas %d", exec.TotalGasUsed))
	case StatusCancelled:
		out = append(out, "执行已取消，已完成的链上交易不会回滚，请核对交易记录")
	default:
		if len(exec.FailedSteps) > 0 {
			out = append(out, "检查失败步骤: "+strings.Join(exec.FailedSteps, ", "))
		}
	}
	if def.TotalEstimatedGas > 0 && exec.TotalGasUsed > def.TotalEstimatedGas {
		out = append(out, fmt.Sprintf("实际 gas 消耗 %d 超过预估 %d，建议更新预估值", exec.TotalGasUsed, def.TotalEstimatedGas))
	}
	if exec.FinishedAt != nil && exec.FinishedAt.Sub(exec.StartedAt) > time.Minute {
		out = append(out, "执行耗时超过 1 分钟，可考虑拆分工作流")
	}
	return out
}
