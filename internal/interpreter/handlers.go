package interpreter

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/toolgen"
	"ChainPilot/internal/web3"
)

// CompiledContract 是 compile_contract 步骤的输出。
type CompiledContract struct {
	Name            string `json:"name"`
	ABI             string `json:"abi"`
	BytecodeSize    int    `json:"bytecodeSize"`
	ConstructorArgs []any  `json:"constructorArgs"`
	DeployData      []byte `json:"-"`
}

// Deployment 是 deploy_contract 步骤的输出。
type Deployment struct {
	ContractAddress string `json:"contractAddress"`
	*toolgen.TransactionResult
}

// UploadPayload 是 prepare_upload 步骤的输出。
type UploadPayload struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Digest string `json:"digest"`
	Data   []byte `json:"-"`
}

func (i *Interpreter) registerBuiltins() {
	i.handlers[StepCompileContract] = i.compileContract
	i.handlers[StepEstimateGas] = i.estimateGas
	i.handlers[StepDeployContract] = i.deployContract
	i.handlers[StepCallContract] = i.callContract
	i.handlers[StepGetBalance] = i.getBalance
	i.handlers[StepGetCode] = i.getCode
	i.handlers[StepGetBlock] = i.getBlock
	i.handlers[StepPrepareUpload] = i.prepareUpload
	i.handlers[StepUploadFile] = i.uploadFile
	i.handlers[StepAnalyzeContract] = i.analyzeContract
	i.handlers[StepGenerateTools] = i.generateTools
	i.handlers[StepAssessRisk] = i.assessRisk
	i.handlers[StepSendTransaction] = i.sendTransaction
	i.handlers[StepMonitorAddress] = i.monitorAddress
}

func (i *Interpreter) chain() (web3.Client, error) {
	if i.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问端口")
	}
	return i.client, nil
}

func (i *Interpreter) contracts() (ContractExplorer, error) {
	if i.explorer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合约探索器")
	}
	return i.explorer, nil
}

func addressParam(step ActionStep, key string) (common.Address, error) {
	raw := stringParam(step.Parameters, key)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidAddress, "步骤 %s 的 %s 不是合法地址: %q", step.ID, key, raw)
	}
	return common.HexToAddress(raw), nil
}

func (i *Interpreter) compileContract(ctx context.Context, step ActionStep, _ *State) (any, error) {
	if i.artifacts == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合约编译产物来源")
	}
	template := stringParam(step.Parameters, "template")
	artifact, err := i.artifacts.Artifact(ctx, template)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(artifact.ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析编译产物 ABI 失败")
	}

	provided := mapParam(step.Parameters, "constructorArgs")
	args := make([]any, 0, len(parsed.Constructor.Inputs))
	for _, input := range parsed.Constructor.Inputs {
		raw, ok := lookupArg(provided, input.Name)
		if !ok {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "缺少构造参数 %s", input.Name)
		}
		value, err := toolgen.ConvertValue(input.Type, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造参数 "+input.Name+" 非法")
		}
		args = append(args, value)
	}
	packed, err := parsed.Pack("", args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码构造参数失败")
	}

	return &CompiledContract{
		Name:            artifact.Name,
		ABI:             artifact.ABI,
		BytecodeSize:    len(artifact.Bytecode),
		ConstructorArgs: lo.Map(args, func(v any, _ int) any { return toolgen.FormatValue(v) }),
		DeployData:      append(append([]byte{}, artifact.Bytecode...), packed...),
	}, nil
}

// lookupArg 按名称匹配参数，忽略大小写与首尾下划线（如 name_、_symbol）。
func lookupArg(args map[string]any, name string) (any, bool) {
	if v, ok := args[name]; ok {
		return v, true
	}
	want := strings.ToLower(strings.Trim(name, "_"))
	for key, v := range args {
		if strings.ToLower(strings.Trim(key, "_")) == want {
			return v, true
		}
	}
	return nil, false
}

func compiledFrom(step ActionStep, state *State) (*CompiledContract, error) {
	source := stringParam(step.Parameters, "from")
	compiled, ok := state.Outputs[source].(*CompiledContract)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeMissingDependency, "步骤 %s 需要 %s 的编译输出", step.ID, source)
	}
	return compiled, nil
}

func (i *Interpreter) estimateGas(ctx context.Context, step ActionStep, state *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	compiled, err := compiledFrom(step, state)
	if err != nil {
		return nil, err
	}
	tx := web3.Transaction{Data: compiled.DeployData}
	if signer := client.Signer(); signer != nil {
		from := signer.Address()
		tx.From = &from
	}
	gas, err := client.EstimateGas(ctx, tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算部署 gas 失败")
	}
	return map[string]any{"gasEstimate": gas}, nil
}

func (i *Interpreter) deployContract(ctx context.Context, step ActionStep, state *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	if client.Signer() == nil {
		return nil, web3.ErrSignerRequired
	}
	compiled, err := compiledFrom(step, state)
	if err != nil {
		return nil, err
	}
	pending, err := client.SendTransaction(ctx, web3.Transaction{Data: compiled.DeployData})
	if err != nil {
		return nil, err
	}
	receipt, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := toolgen.ReceiptResult(pending.Hash().Hex(), receipt)
	if err != nil {
		return nil, err
	}
	return &Deployment{ContractAddress: strings.ToLower(receipt.ContractAddress.Hex()), TransactionResult: tx}, nil
}

func (i *Interpreter) callContract(ctx context.Context, step ActionStep, _ *State) (any, error) {
	contracts, err := i.contracts()
	if err != nil {
		return nil, err
	}
	address, err := addressParam(step, "address")
	if err != nil {
		return nil, err
	}
	function := stringParam(step.Parameters, "function")

	result, err := contracts.ExploreContracts(ctx, explorer.Request{Address: address.Hex(), IncludeTools: true})
	if err != nil {
		return nil, err
	}
	var tools []*toolgen.Tool
	if len(result.Contracts) > 0 {
		tools = result.Contracts[0].Tools
	}
	tool, ok := lo.Find(tools, func(t *toolgen.Tool) bool {
		return t.Metadata.FunctionName != "" && strings.EqualFold(t.Metadata.FunctionName, function)
	})
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeFunctionNotFound, "合约 %s 没有可调用的函数 %s", strings.ToLower(address.Hex()), function)
	}

	args := lo.Assign(map[string]any{}, mapParam(step.Parameters, "args"))
	if value := stringParam(step.Parameters, "value"); value != "" {
		args[toolgen.FieldValue] = value
	}
	output, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tool": tool.Name, "function": tool.Metadata.FunctionName, "result": output}, nil
}

func (i *Interpreter) getBalance(ctx context.Context, step ActionStep, _ *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	address, err := addressParam(step, "address")
	if err != nil {
		return nil, err
	}
	balance, err := client.Balance(ctx, address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return map[string]any{
		"address":    strings.ToLower(address.Hex()),
		"balanceWei": balance.String(),
		"balance":    FormatUnits(balance, 18),
	}, nil
}

func (i *Interpreter) getCode(ctx context.Context, step ActionStep, _ *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	address, err := addressParam(step, "address")
	if err != nil {
		return nil, err
	}
	code, err := client.Code(ctx, address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取合约代码失败")
	}
	output := map[string]any{
		"address":    strings.ToLower(address.Hex()),
		"isContract": len(code) > 0,
		"codeSize":   len(code),
	}
	if len(code) > 0 {
		output["codeHash"] = crypto.Keccak256Hash(code).Hex()
	}
	return output, nil
}

func (i *Interpreter) getBlock(ctx context.Context, _ ActionStep, _ *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	block, err := client.Block(ctx, nil, false)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取最新区块失败")
	}
	return block, nil
}

func (i *Interpreter) prepareUpload(_ context.Context, step ActionStep, _ *State) (any, error) {
	name := stringParam(step.Parameters, "fileName")
	data := []byte(stringParam(step.Parameters, "data"))
	if len(data) == 0 && name != "" {
		content, err := os.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取待上传文件失败")
		}
		data = content
	}
	if len(data) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待上传数据为空")
	}
	return &UploadPayload{Name: name, Size: len(data), Digest: crypto.Keccak256Hash(data).Hex(), Data: data}, nil
}

func (i *Interpreter) uploadFile(ctx context.Context, step ActionStep, state *State) (any, error) {
	if i.uploader == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置存储上传服务")
	}
	source := stringParam(step.Parameters, "from")
	payload, ok := state.Outputs[source].(*UploadPayload)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeMissingDependency, "步骤 %s 需要 %s 的输出", step.ID, source)
	}
	reference, err := i.uploader.Upload(ctx, payload.Name, payload.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "上传数据失败")
	}
	return map[string]any{"reference": reference, "name": payload.Name, "size": payload.Size, "digest": payload.Digest}, nil
}

func (i *Interpreter) explore(ctx context.Context, step ActionStep, includeTools bool) (*explorer.ExplorationData, error) {
	contracts, err := i.contracts()
	if err != nil {
		return nil, err
	}
	address, err := addressParam(step, "address")
	if err != nil {
		return nil, err
	}
	result, err := contracts.ExploreContracts(ctx, explorer.Request{Address: address.Hex(), IncludeTools: includeTools})
	if err != nil {
		return nil, err
	}
	if len(result.Contracts) == 0 {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "未获得合约 %s 的探索结果", address.Hex())
	}
	return result.Contracts[0], nil
}

func (i *Interpreter) analyzeContract(ctx context.Context, step ActionStep, _ *State) (any, error) {
	data, err := i.explore(ctx, step, false)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":       data.Address,
		"verified":      data.Contract.Verified,
		"confidence":    data.Confidence,
		"functionCount": len(data.Contract.Functions),
		"eventCount":    len(data.Contract.Events),
		"patterns":      lo.Map(data.Patterns, func(p knowledge.PatternMatch, _ int) string { return p.Pattern.Name }),
	}, nil
}

func (i *Interpreter) generateTools(ctx context.Context, step ActionStep, _ *State) (any, error) {
	data, err := i.explore(ctx, step, true)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address": data.Address,
		"tools":   lo.Map(data.Tools, func(t *toolgen.Tool, _ int) string { return t.Name }),
	}, nil
}

func (i *Interpreter) assessRisk(ctx context.Context, step ActionStep, _ *State) (any, error) {
	data, err := i.explore(ctx, step, false)
	if err != nil {
		return nil, err
	}
	return data.Risk, nil
}

func (i *Interpreter) sendTransaction(ctx context.Context, step ActionStep, _ *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	if client.Signer() == nil {
		return nil, web3.ErrSignerRequired
	}
	to, err := addressParam(step, "to")
	if err != nil {
		return nil, err
	}
	value, err := toolgen.ParseBigInt(step.Parameters["value"])
	if err != nil || value.Sign() <= 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "转账金额非法: %v", step.Parameters["value"])
	}
	pending, err := client.SendTransaction(ctx, web3.Transaction{To: &to, Value: value})
	if err != nil {
		return nil, err
	}
	receipt, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return toolgen.ReceiptResult(pending.Hash().Hex(), receipt)
}

func (i *Interpreter) monitorAddress(ctx context.Context, step ActionStep, _ *State) (any, error) {
	client, err := i.chain()
	if err != nil {
		return nil, err
	}
	addresses := stringsParam(step.Parameters, "addresses")
	if len(addresses) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "监控需要至少一个地址")
	}
	block, err := client.Block(ctx, nil, false)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取最新区块失败")
	}
	snapshots := make([]map[string]any, 0, len(addresses))
	for _, raw := range addresses {
		if !common.IsHexAddress(raw) {
			return nil, xerrors.Newf(xerrors.CodeInvalidAddress, "地址格式非法: %s", raw)
		}
		balance, err := client.Balance(ctx, common.HexToAddress(raw))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("查询 %s 余额失败", raw))
		}
		snapshots = append(snapshots, map[string]any{"address": strings.ToLower(raw), "balanceWei": balance.String()})
	}
	return map[string]any{"blockNumber": block.Number, "addresses": snapshots}, nil
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		return lo.FilterMap(v, func(item any, _ int) (string, bool) {
			s, ok := item.(string)
			return strings.TrimSpace(s), ok && strings.TrimSpace(s) != ""
		})
	case string:
		if v == "" {
			return nil
		}
		return lo.Map(strings.Split(v, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	}
	return nil
}
