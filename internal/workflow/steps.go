package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/interpreter"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3"
)

// stepContext 携带单个步骤执行所需的运行时状态。
type stepContext struct {
	resolver resolver
	state    *interpreter.State
}

func (e *Engine) runStep(ctx context.Context, step Step, sc stepContext) (any, *toolgen.TransactionResult, error) {
	switch step.Type {
	case StepContractCall:
		return e.contractCall(ctx, step, sc.resolver)
	case StepValueTransfer:
		return e.valueTransfer(ctx, step, sc.resolver)
	case StepApproval:
		return map[string]any{"approved": true}, nil, nil
	case StepVerification:
		if err := e.checkConditions(ctx, step, sc.resolver); err != nil {
			return nil, nil, err
		}
		return map[string]any{"verified": true, "conditions": len(step.Conditions)}, nil, nil
	case StepWait:
		duration := e.waitDuration
		if step.DurationMS > 0 {
			duration = time.Duration(step.DurationMS) * time.Millisecond
		}
		if err := e.sleep(ctx, duration); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeCancelled, err, "等待被中断")
		}
		return map[string]any{"waitedMs": duration.Milliseconds()}, nil, nil
	case StepAction:
		return e.delegate(ctx, step, sc)
	}
	return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的步骤类型 %q", step.Type)
}

func (e *Engine) contractCall(ctx context.Context, step Step, r resolver) (any, *toolgen.TransactionResult, error) {
	if e.client == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
	}
	address := r.string(step.Contract)
	if !common.IsHexAddress(address) {
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidAddress, "步骤 %s 的合约地址非法: %q", step.ID, address)
	}

	abiJSON := step.ABI
	if abiJSON == "" {
		if e.contracts == nil {
			return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合约探索器，无法解析 ABI")
		}
		info, err := e.contracts.ContractInfo(ctx, address)
		if err != nil {
			return nil, nil, err
		}
		abiJSON = info.ABI
		if abiJSON == "" {
			abiJSON = contract.SynthesizeABI(info.Functions, info.Events)
		}
	}
	binding, err := web3.NewContract(common.HexToAddress(address), abiJSON, e.client)
	if err != nil {
		return nil, nil, err
	}
	method, ok := findMethod(binding.ABI(), step.Function)
	if !ok {
		return nil, nil, xerrors.Newf(xerrors.CodeFunctionNotFound, "合约 %s 没有函数 %s", strings.ToLower(address), step.Function)
	}

	if len(step.Args) != len(method.Inputs) {
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "函数 %s 需要 %d 个参数，提供了 %d 个", method.Name, len(method.Inputs), len(step.Args))
	}
	args := make([]any, len(step.Args))
	for i, raw := range step.Args {
		value, err := toolgen.ConvertValue(method.Inputs[i].Type, r.value(raw))
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("函数 %s 的第 %d 个参数非法", method.Name, i+1))
		}
		args[i] = value
	}

	if method.IsConstant() {
		values, err := binding.Call(ctx, method.Name, args...)
		if err != nil {
			return nil, nil, err
		}
		return formatValues(values), nil, nil
	}

	opts := web3.TransactOpts{GasLimit: step.GasLimit}
	if step.Value != "" {
		value, err := toolgen.ParseBigInt(r.lookup(step.Value))
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "value 非法")
		}
		opts.Value = value
	}
	pending, err := binding.Transact(ctx, opts, method.Name, args...)
	if err != nil {
		return nil, nil, err
	}
	return e.await(ctx, pending)
}

// findMethod 先按 ABI 中的键名查找，再忽略大小写匹配函数名。
func findMethod(parsed abi.ABI, name string) (abi.Method, bool) {
	if m, ok := parsed.Methods[name]; ok {
		return m, true
	}
	for _, m := range parsed.Methods {
		if strings.EqualFold(m.RawName, name) {
			return m, true
		}
	}
	return abi.Method{}, false
}

func formatValues(values []any) any {
	formatted := lo.Map(values, func(v any, _ int) any { return toolgen.FormatValue(v) })
	if len(formatted) == 1 {
		return formatted[0]
	}
	return formatted
}

func (e *Engine) valueTransfer(ctx context.Context, step Step, r resolver) (any, *toolgen.TransactionResult, error) {
	if e.client == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
	}
	if e.client.Signer() == nil {
		return nil, nil, web3.ErrSignerRequired
	}
	to := r.string(step.To)
	if !common.IsHexAddress(to) {
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidAddress, "步骤 %s 的接收地址非法: %q", step.ID, to)
	}
	value, err := toolgen.ParseBigInt(r.lookup(step.Value))
	if err != nil || value.Sign() <= 0 {
		return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "步骤 %s 的转账金额非法", step.ID)
	}
	recipient := common.HexToAddress(to)
	pending, err := e.client.SendTransaction(ctx, web3.Transaction{To: &recipient, Value: value, GasLimit: step.GasLimit})
	if err != nil {
		return nil, nil, err
	}
	return e.await(ctx, pending)
}

func (e *Engine) await(ctx context.Context, pending web3.PendingTransaction) (any, *toolgen.TransactionResult, error) {
	receipt, err := pending.Wait(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易回执失败")
	}
	tx, err := toolgen.ReceiptResult(pending.Hash().Hex(), receipt)
	return tx, tx, err
}

func (e *Engine) delegate(ctx context.Context, step Step, sc stepContext) (any, *toolgen.TransactionResult, error) {
	if e.steps == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置动作执行器")
	}
	params, _ := sc.resolver.value(step.Parameters).(map[string]any)
	output, err := e.steps.RunStep(ctx, interpreter.ActionStep{
		ID:           step.ID,
		Action:       step.Action,
		Description:  step.Description,
		Parameters:   params,
		Dependencies: step.Dependencies,
	}, sc.state)
	return output, transactionOf(output), err
}

// transactionOf 从动作输出中提取交易结果。
func transactionOf(output any) *toolgen.TransactionResult {
	switch v := output.(type) {
	case *toolgen.TransactionResult:
		return v
	case *interpreter.Deployment:
		return v.TransactionResult
	case map[string]any:
		if tx, ok := v["result"].(*toolgen.TransactionResult); ok {
			return tx
		}
	}
	return nil
}
