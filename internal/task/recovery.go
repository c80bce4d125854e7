package task

import (
	"context"
	"fmt"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/interpreter"
)

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 ExecutionResult 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}

// Planner 只解释指令而不执行，由 *interpreter.Interpreter 实现。
type Planner interface {
	InterpretTask(ctx context.Context, req interpreter.TaskRequest) (*interpreter.ExecutableAction, error)
}

// PlanRecovery 在缺少签名账户等无法在链上执行的失败后，把解释得到的执行计划作为降级结果返回，
// 调用方可以据此离线签名或补充配置后重新提交。
type PlanRecovery struct {
	planner Planner
	codes   map[xerrors.Code]bool
}

// NewPlanRecovery 创建计划降级策略。codes 为空时只处理 SIGNER_REQUIRED。
func NewPlanRecovery(planner Planner, codes ...xerrors.Code) *PlanRecovery {
	if len(codes) == 0 {
		codes = []xerrors.Code{xerrors.CodeSignerRequired}
	}
	set := make(map[xerrors.Code]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return &PlanRecovery{planner: planner, codes: set}
}

// Recover 实现 RecoveryHandler。
func (r *PlanRecovery) Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error) {
	if r == nil || r.planner == nil || task == nil || !r.codes[xerrors.CodeOf(cause)] {
		return nil, nil
	}
	action, err := r.planner.InterpretTask(ctx, interpreter.TaskRequest{
		ID:          task.ID,
		Instruction: task.Instruction,
		Parameters:  task.Parameters,
	})
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		ActionType:   string(action.Type),
		Success:      false,
		Outputs:      map[string]any{"plan": action},
		Observations: fmt.Sprintf("未在链上执行，仅返回执行计划（%d 个步骤）: %s", len(action.Steps), action.Description),
		Error:        cause.Error(),
	}, nil
}
