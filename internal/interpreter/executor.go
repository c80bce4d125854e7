package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	xerrors "ChainPilot/internal/errors"
)

// StepHandler 执行一个步骤并返回其输出。state 保存同一次执行中已完成步骤的输出。
type StepHandler func(ctx context.Context, step ActionStep, state *State) (any, error)

// State 是一次动作执行过程中的共享状态。
type State struct {
	Outputs map[string]any
}

// NewState 创建空的执行状态。
func NewState() *State {
	return &State{Outputs: make(map[string]any)}
}

// ExecuteAction 按声明顺序执行步骤。依赖未完成时，可选步骤被跳过，
// 必需步骤立即以 MISSING_DEPENDENCY 终止。任何已执行步骤失败都会终止动作，不做重试。
func (i *Interpreter) ExecuteAction(ctx context.Context, action *ExecutableAction) (*TaskResult, error) {
	if action == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待执行的动作为空")
	}
	started := time.Now()
	result := &TaskResult{
		ActionType:     action.Type,
		Steps:          make([]StepResult, 0, len(action.Steps)),
		CompletedSteps: []string{},
		Outputs:        map[string]any{},
	}
	state := NewState()
	completed := make(map[string]bool, len(action.Steps))

	for _, step := range action.Steps {
		if err := ctx.Err(); err != nil {
			return i.fail(result, started, xerrors.Wrap(xerrors.CodeCancelled, err, "动作执行被取消"))
		}

		missing := lo.Filter(step.Dependencies, func(dep string, _ int) bool { return !completed[dep] })
		if len(missing) > 0 {
			if step.Optional {
				result.Steps = append(result.Steps, StepResult{StepID: step.ID, Action: step.Action, Skipped: true,
					Error: "依赖步骤未完成: " + strings.Join(missing, ",")})
				continue
			}
			err := xerrors.New(xerrors.CodeMissingDependency,
				fmt.Sprintf("步骤 %s 依赖的步骤 %s 未完成", step.ID, strings.Join(missing, ",")),
				xerrors.WithMetadata("step", step.ID))
			result.Steps = append(result.Steps, StepResult{StepID: step.ID, Action: step.Action, Error: err.Error()})
			return i.fail(result, started, err)
		}

		output, err := i.RunStep(ctx, step, state)
		if err != nil {
			result.Steps = append(result.Steps, StepResult{StepID: step.ID, Action: step.Action, Error: err.Error()})
			return i.fail(result, started, err)
		}

		completed[step.ID] = true
		state.Outputs[step.ID] = output
		result.Outputs[step.ID] = output
		result.CompletedSteps = append(result.CompletedSteps, step.ID)
		result.Steps = append(result.Steps, StepResult{StepID: step.ID, Action: step.Action, Success: true, Output: output})
	}

	result.Success = true
	result.Duration = time.Since(started)
	i.logger.Info("动作执行完成",
		slog.String("action", string(action.Type)),
		slog.Int("completed", len(result.CompletedSteps)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (i *Interpreter) fail(result *TaskResult, started time.Time, err error) (*TaskResult, error) {
	result.Success = false
	result.Error = err.Error()
	result.Suggestions = suggestionsFor(err)
	result.Duration = time.Since(started)
	i.logger.Warn("动作执行失败", slog.String("action", string(result.ActionType)), slog.Any("error", err))
	return result, err
}

// RunStep 调用动作名称对应的处理器执行单个步骤。
func (i *Interpreter) RunStep(ctx context.Context, step ActionStep, state *State) (any, error) {
	handler, ok := i.handlers[step.Action]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的步骤动作: %s", step.Action)
	}
	if state == nil {
		state = NewState()
	}
	if step.Parameters == nil {
		step.Parameters = map[string]any{}
	}
	output, err := handler(ctx, step, state)
	if err != nil {
		if _, typed := xerrors.From(err); !typed {
			err = xerrors.Wrap(xerrors.CodeStepExecutionFailed, err, fmt.Sprintf("步骤 %s 执行失败", step.ID))
		}
		return nil, err
	}
	return output, nil
}

// HasHandler 报告是否注册了该动作名称的处理器。
func (i *Interpreter) HasHandler(action string) bool {
	_, ok := i.handlers[action]
	return ok
}

func suggestionsFor(err error) []string {
	switch {
	case xerrors.HasCode(err, xerrors.CodeSignerRequired):
		return []string{"配置 CHAINPILOT_PRIVATE_KEY 等私钥环境变量以连接签名账户"}
	case xerrors.HasCode(err, xerrors.CodeNoContract):
		return []string{"确认目标地址部署了合约且连接的是正确的网络"}
	case xerrors.HasCode(err, xerrors.CodeFunctionNotFound):
		return []string{"先分析合约以查看可调用的函数列表"}
	case xerrors.HasCode(err, xerrors.CodeMissingDependency):
		return []string{"检查前置步骤的错误并重试"}
	case errors.Is(err, context.DeadlineExceeded):
		return []string{"链节点响应超时，请稍后重试"}
	}
	return nil
}
