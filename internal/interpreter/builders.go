package interpreter

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
)

// 部署代币合约时使用的默认值。
const (
	DefaultTemplate      = "ERC20"
	DefaultTokenName     = "ChainPilot Token"
	DefaultTokenSymbol   = "CPT"
	DefaultInitialSupply = "1000000"
)

// BuildAction 根据意图、实体与知识生成可执行动作。params 为请求中显式提供的参数。
func BuildAction(intent Intent, entities Entities, known KnowledgeResults, params map[string]any) (*ExecutableAction, error) {
	var (
		action *ExecutableAction
		err    error
	)
	switch intent {
	case IntentDeploy:
		action = buildDeploy(entities, params)
	case IntentCall:
		action, err = buildCall(entities, known, params)
	case IntentQuery:
		action = buildQuery(entities)
	case IntentUpload:
		action, err = buildUpload(entities, params)
	case IntentAnalyze:
		action, err = buildAnalyze(entities)
	case IntentTransfer:
		action, err = buildTransfer(entities, params)
	default:
		action = buildCustom(intent, entities, params)
	}
	if err != nil {
		return nil, err
	}
	action.Intent = intent
	action.Entities = entities
	action.Knowledge = known.Snippets
	return action, nil
}

func buildDeploy(entities Entities, params map[string]any) *ExecutableAction {
	action := &ExecutableAction{
		Type:         ActionDeployContract,
		Requirements: []string{"已连接签名账户", "账户余额足以支付部署 gas"},
	}

	template := stringParam(params, "template")
	if template == "" {
		template = DefaultTemplate
	}
	name := firstNonEmpty(stringParam(params, "name"), entities.TokenName)
	if name == "" {
		name = DefaultTokenName
		action.Warnings = append(action.Warnings, "未指定代币名称，使用默认值 "+DefaultTokenName)
	}
	symbol := firstNonEmpty(stringParam(params, "symbol"), entities.TokenSymbol)
	if symbol == "" {
		symbol = DefaultTokenSymbol
		action.Warnings = append(action.Warnings, "未指定代币符号，使用默认值 "+DefaultTokenSymbol)
	}
	supply := firstNonEmpty(stringParam(params, "supply"), entities.InitialSupply)
	if supply == "" {
		supply = DefaultInitialSupply
	}

	action.Description = fmt.Sprintf("编译并部署 %s 合约 %s (%s)", template, name, symbol)
	action.Steps = []ActionStep{
		{
			ID:          "compile",
			Action:      StepCompileContract,
			Description: "获取合约编译产物并编码构造参数",
			Parameters: map[string]any{
				"template": template,
				"constructorArgs": map[string]any{
					"name":          name,
					"symbol":        symbol,
					"initialSupply": supply,
				},
			},
		},
		{
			ID:           "estimate_gas",
			Action:       StepEstimateGas,
			Description:  "估算部署 gas",
			Parameters:   map[string]any{"from": "compile"},
			Dependencies: []string{"compile"},
			Optional:     true,
		},
		{
			ID:           "deploy",
			Action:       StepDeployContract,
			Description:  "发送部署交易并等待回执",
			Parameters:   map[string]any{"from": "compile"},
			Dependencies: []string{"compile"},
		},
	}
	return action
}

func buildCall(entities Entities, known KnowledgeResults, params map[string]any) (*ExecutableAction, error) {
	address := firstAddress(entities)
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调用合约需要提供合约地址")
	}
	function := firstNonEmpty(stringParam(params, "function"), entities.FunctionName)
	if function == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定要调用的合约函数")
	}

	action := &ExecutableAction{
		Type:        ActionCallContract,
		Description: fmt.Sprintf("调用合约 %s 的 %s 函数", address, function),
	}
	callParams := map[string]any{"address": address, "function": function, "args": mapParam(params, "args")}
	if value := stringParam(params, "value"); value != "" {
		callParams["value"] = value
	}

	functions, cached := known.ContractFunctions[address]
	if cached {
		fn, ok := lo.Find(functions, func(f contract.Function) bool { return strings.EqualFold(f.Name, function) })
		if !ok {
			return nil, xerrors.New(xerrors.CodeFunctionNotFound,
				fmt.Sprintf("合约 %s 未提供函数 %s", address, function),
				xerrors.WithMetadata("available", strings.Join(lo.Map(functions, func(f contract.Function, _ int) string { return f.Name }), ",")))
		}
		callParams["function"] = fn.Name
		if fn.IsRead() {
			action.ReadOnly = true
		} else {
			action.Requirements = append(action.Requirements, "已连接签名账户")
		}
		action.Steps = []ActionStep{{ID: "call", Action: StepCallContract, Description: "执行合约函数", Parameters: callParams}}
		return action, nil
	}

	action.Warnings = append(action.Warnings, "合约尚未分析，将先分析合约再调用")
	action.Steps = []ActionStep{
		{ID: "analyze", Action: StepAnalyzeContract, Description: "分析目标合约", Parameters: map[string]any{"address": address}},
		{ID: "call", Action: StepCallContract, Description: "执行合约函数", Parameters: callParams, Dependencies: []string{"analyze"}},
	}
	return action, nil
}

func buildQuery(entities Entities) *ExecutableAction {
	action := &ExecutableAction{Type: ActionQueryBlockchain}
	if len(entities.Addresses) == 0 {
		action.Description = "查询最新区块"
		action.Steps = []ActionStep{{ID: "get_block", Action: StepGetBlock, Description: "读取最新区块", Parameters: map[string]any{}}}
		return action
	}

	verb, description := StepGetBalance, "查询地址余额"
	if entities.HasContract {
		verb, description = StepGetCode, "读取地址上的合约代码"
	}
	action.Description = fmt.Sprintf("%s（%d 个地址）", description, len(entities.Addresses))
	for i, address := range entities.Addresses {
		action.Steps = append(action.Steps, ActionStep{
			ID:          fmt.Sprintf("%s_%d", verb, i+1),
			Action:      verb,
			Description: description,
			Parameters:  map[string]any{"address": address},
		})
	}
	return action
}

func buildUpload(entities Entities, params map[string]any) (*ExecutableAction, error) {
	data := stringParam(params, "data")
	name := stringParam(params, "fileName")
	if data == "" && name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "上传数据需要提供 data 或 fileName 参数")
	}
	if name == "" {
		name = "data.bin"
	}
	action := &ExecutableAction{
		Type:         ActionUploadData,
		Description:  fmt.Sprintf("上传 %s", name),
		Requirements: []string{"已配置存储上传服务"},
		Steps: []ActionStep{
			{ID: "prepare", Action: StepPrepareUpload, Description: "读取并校验待上传数据", Parameters: map[string]any{"data": data, "fileName": name}},
			{ID: "upload", Action: StepUploadFile, Description: "上传数据", Parameters: map[string]any{"from": "prepare"}, Dependencies: []string{"prepare"}},
		},
	}
	if entities.HasModel {
		action.Warnings = append(action.Warnings, "模型文件通常较大，上传可能耗时较长")
	}
	return action, nil
}

func buildAnalyze(entities Entities) (*ExecutableAction, error) {
	address := firstAddress(entities)
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "分析合约需要提供合约地址")
	}
	params := map[string]any{"address": address}
	return &ExecutableAction{
		Type:        ActionAnalyzeContract,
		Description: fmt.Sprintf("分析合约 %s 并评估风险", address),
		Steps: []ActionStep{
			{ID: "analyze", Action: StepAnalyzeContract, Description: "识别合约函数与模式", Parameters: params},
			{ID: "generate_tools", Action: StepGenerateTools, Description: "生成可调用工具", Parameters: params, Dependencies: []string{"analyze"}, Optional: true},
			{ID: "assess_risk", Action: StepAssessRisk, Description: "评估合约风险", Parameters: params, Dependencies: []string{"analyze"}},
		},
	}, nil
}

func buildTransfer(entities Entities, params map[string]any) (*ExecutableAction, error) {
	amount := firstNonEmpty(stringParam(params, "amount"), entities.Amount)
	if amount == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账需要提供金额")
	}
	if len(entities.Addresses) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账需要提供接收地址")
	}
	value, err := ToWei(amount, entities.Unit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转账金额非法")
	}

	action := &ExecutableAction{Type: ActionTransferTokens, Requirements: []string{"已连接签名账户", "账户余额充足"}}
	if entities.HasToken && len(entities.Addresses) >= 2 {
		token, recipient := entities.Addresses[0], entities.Addresses[1]
		action.Description = fmt.Sprintf("从代币合约 %s 向 %s 转账 %s", token, recipient, amount)
		action.Warnings = append(action.Warnings, "按 18 位小数换算代币数量")
		action.Steps = []ActionStep{{
			ID:          "transfer",
			Action:      StepCallContract,
			Description: "调用代币合约 transfer",
			Parameters: map[string]any{
				"address":  token,
				"function": "transfer",
				"args":     map[string]any{"to": recipient, "amount": value.String()},
			},
		}}
		return action, nil
	}

	recipient := entities.Addresses[0]
	unit := lo.Ternary(entities.Unit == "", "ETH", strings.ToUpper(entities.Unit))
	action.Description = fmt.Sprintf("向 %s 转账 %s %s", recipient, amount, unit)
	if entities.HasToken {
		action.Warnings = append(action.Warnings, "未找到代币合约地址，按原生币转账处理")
	}
	action.Steps = []ActionStep{{
		ID:          "transfer",
		Action:      StepSendTransaction,
		Description: "发送原生币转账交易",
		Parameters:  map[string]any{"to": recipient, "value": value.String()},
	}}
	return action, nil
}

// buildCustom 处理 approve、monitor 等没有专用构建器的意图，只生成一个步骤。
func buildCustom(intent Intent, entities Entities, params map[string]any) *ExecutableAction {
	action := &ExecutableAction{Type: ActionCustom}
	switch {
	case intent == IntentApprove && len(entities.Addresses) >= 2 && entities.Amount != "":
		value, err := ToWei(entities.Amount, entities.Unit)
		if err == nil {
			token, spender := entities.Addresses[0], entities.Addresses[1]
			action.Description = fmt.Sprintf("授权 %s 使用代币 %s", spender, token)
			action.Requirements = []string{"已连接签名账户"}
			action.Steps = []ActionStep{{
				ID:     "approve",
				Action: StepCallContract,
				Parameters: map[string]any{
					"address":  token,
					"function": "approve",
					"args":     map[string]any{"spender": spender, "amount": value.String()},
				},
			}}
			return action
		}
	case intent == IntentMonitor && len(entities.Addresses) > 0:
		action.Description = fmt.Sprintf("记录 %d 个地址的当前状态", len(entities.Addresses))
		action.Steps = []ActionStep{{
			ID:         "monitor",
			Action:     StepMonitorAddress,
			Parameters: map[string]any{"addresses": entities.Addresses},
		}}
		return action
	}

	action.Description = fmt.Sprintf("自定义动作 %s", intent)
	action.Warnings = append(action.Warnings, "指令信息不足，生成的步骤需要人工补充参数")
	action.Steps = []ActionStep{{ID: "custom", Action: string(intent), Parameters: lo.Assign(map[string]any{}, params)}}
	return action
}

func firstAddress(entities Entities) string {
	if len(entities.Addresses) == 0 {
		return ""
	}
	return entities.Addresses[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringParam(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
