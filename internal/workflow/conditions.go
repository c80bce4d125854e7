package workflow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3"
)

// CustomCheck 是 custom 条件调用的检查函数。
type CustomCheck func(ctx context.Context, cond Condition, params map[string]any) (bool, error)

const erc20ConditionABI = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// checkConditions 依次检查条件，第一个失败的条件返回 CONDITION_FAILED。
func (e *Engine) checkConditions(ctx context.Context, step Step, r resolver) error {
	for i, cond := range step.Conditions {
		ok, detail, err := e.checkCondition(ctx, cond, r)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConditionFailed, err, fmt.Sprintf("步骤 %s 的第 %d 个条件（%s）检查出错", step.ID, i+1, cond.Type))
		}
		if !ok {
			message := fmt.Sprintf("步骤 %s 的条件 %s 未满足", step.ID, cond.Type)
			if cond.Description != "" {
				message += "（" + cond.Description + "）"
			}
			if detail != "" {
				message += ": " + detail
			}
			return xerrors.New(xerrors.CodeConditionFailed, message, xerrors.WithMetadata("step", step.ID))
		}
	}
	return nil
}

func (e *Engine) checkCondition(ctx context.Context, cond Condition, r resolver) (bool, string, error) {
	switch cond.Type {
	case ConditionBalance:
		if e.client == nil {
			return false, "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
		}
		address, err := conditionAddress(r, cond.Address)
		if err != nil {
			return false, "", err
		}
		minimum, err := minAmount(r, cond.MinAmount)
		if err != nil {
			return false, "", err
		}
		balance, err := e.client.Balance(ctx, address)
		if err != nil {
			return false, "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
		}
		return balance.Cmp(minimum) >= 0, fmt.Sprintf("余额 %s 低于 %s", balance, minimum), nil

	case ConditionAllowance:
		token, err := conditionAddress(r, cond.Token)
		if err != nil {
			return false, "", err
		}
		owner, err := conditionAddress(r, cond.Owner)
		if err != nil {
			return false, "", err
		}
		spender, err := conditionAddress(r, cond.Spender)
		if err != nil {
			return false, "", err
		}
		minimum, err := minAmount(r, cond.MinAmount)
		if err != nil {
			return false, "", err
		}
		binding, err := web3.NewContract(token, erc20ConditionABI, e.client)
		if err != nil {
			return false, "", err
		}
		values, err := binding.Call(ctx, "allowance", owner, spender)
		if err != nil {
			return false, "", err
		}
		allowance, _ := values[0].(*big.Int)
		if allowance == nil {
			allowance = new(big.Int)
		}
		return allowance.Cmp(minimum) >= 0, fmt.Sprintf("授权额度 %s 低于 %s", allowance, minimum), nil

	case ConditionOwnership:
		target, err := conditionAddress(r, cond.Address)
		if err != nil {
			return false, "", err
		}
		expected, err := conditionAddress(r, cond.Owner)
		if err != nil {
			return false, "", err
		}
		binding, err := web3.NewContract(target, erc20ConditionABI, e.client)
		if err != nil {
			return false, "", err
		}
		values, err := binding.Call(ctx, "owner")
		if err != nil {
			return false, "", err
		}
		owner, _ := values[0].(common.Address)
		return owner == expected, fmt.Sprintf("合约 owner 为 %s", strings.ToLower(owner.Hex())), nil

	case ConditionCustom:
		check, ok := e.customChecks[cond.Check]
		if !ok {
			return false, "", xerrors.Newf(xerrors.CodeInvalidArgument, "未注册的自定义检查 %q", cond.Check)
		}
		passed, err := check(ctx, cond, r.params)
		return passed, "", err
	}
	return false, "", xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的条件类型 %q", cond.Type)
}

// conditionAddress 解析地址字段，空值表示签名账户。
func conditionAddress(r resolver, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "$" + SignerParam
	}
	text := r.string(raw)
	if !common.IsHexAddress(text) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidAddress, "条件中的地址非法: %q", text)
	}
	return common.HexToAddress(text), nil
}

func minAmount(r resolver, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(big.Int), nil
	}
	value, err := toolgen.ParseBigInt(r.lookup(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "条件中的数量非法")
	}
	return value, nil
}
