package interpreter

import (
	"time"

	"ChainPilot/internal/contract"
	"ChainPilot/internal/knowledge"
)

// Intent 是从指令中识别出的意图。
type Intent string

const (
	IntentDeploy   Intent = "deploy"
	IntentCall     Intent = "call"
	IntentQuery    Intent = "query"
	IntentUpload   Intent = "upload"
	IntentAnalyze  Intent = "analyze"
	IntentTransfer Intent = "transfer"
	IntentApprove  Intent = "approve"
	IntentMonitor  Intent = "monitor"
)

// ActionType 是可执行动作的类型。
type ActionType string

const (
	ActionDeployContract  ActionType = "deploy_contract"
	ActionCallContract    ActionType = "call_contract"
	ActionQueryBlockchain ActionType = "query_blockchain"
	ActionUploadData      ActionType = "upload_data"
	ActionAnalyzeContract ActionType = "analyze_contract"
	ActionTransferTokens  ActionType = "transfer_tokens"
	ActionCustom          ActionType = "custom_action"
)

// 步骤动作名称。
const (
	StepCompileContract = "compile_contract"
	StepEstimateGas     = "estimate_gas"
	StepDeployContract  = "deploy_contract"
	StepCallContract    = "call_contract"
	StepGetBalance      = "get_balance"
	StepGetCode         = "get_code"
	StepGetBlock        = "get_block"
	StepPrepareUpload   = "prepare_upload"
	StepUploadFile      = "upload_file"
	StepAnalyzeContract = "analyze_contract"
	StepGenerateTools   = "generate_tools"
	StepAssessRisk      = "assess_risk"
	StepSendTransaction = "send_transaction"
	StepMonitorAddress  = "monitor_address"
)

// TaskRequest 是一条待解释的用户指令。Parameters 可显式覆盖从文本中提取的实体，
// 例如 address、function、args、value、name、symbol、supply、data、fileName。
type TaskRequest struct {
	ID          string         `json:"id,omitempty"`
	Instruction string         `json:"instruction"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Entities 是从指令中提取的实体。
type Entities struct {
	Addresses     []string `json:"addresses"`
	Amount        string   `json:"amount,omitempty"`
	Unit          string   `json:"unit,omitempty"`
	HasContract   bool     `json:"hasContract"`
	HasToken      bool     `json:"hasToken"`
	HasFunction   bool     `json:"hasFunction"`
	HasFile       bool     `json:"hasFile"`
	HasModel      bool     `json:"hasModel"`
	FunctionName  string   `json:"functionName,omitempty"`
	TokenName     string   `json:"tokenName,omitempty"`
	TokenSymbol   string   `json:"tokenSymbol,omitempty"`
	InitialSupply string   `json:"initialSupply,omitempty"`
}

// KnowledgeResults 是生成动作时可参考的知识。
type KnowledgeResults struct {
	Snippets []knowledge.Snippet `json:"snippets,omitempty"`
	// ContractFunctions 以小写地址为键，只包含已缓存的合约。
	ContractFunctions map[string][]contract.Function `json:"-"`
}

// ActionStep 是动作中的一个步骤。Dependencies 只能引用同一动作中的步骤。
type ActionStep struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	Description  string         `json:"description,omitempty"`
	Parameters   map[string]any `json:"parameters"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Optional     bool           `json:"optional,omitempty"`
}

// ExecutableAction 是一份有序的执行计划。
type ExecutableAction struct {
	Type         ActionType          `json:"type"`
	Intent       Intent              `json:"intent"`
	Description  string              `json:"description"`
	Requirements []string            `json:"requirements,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
	Steps        []ActionStep        `json:"steps"`
	// ReadOnly 表示所有步骤都只读链上状态，不需要签名账户。
	ReadOnly  bool                `json:"readOnly,omitempty"`
	Entities  Entities            `json:"entities"`
	Knowledge []knowledge.Snippet `json:"knowledge,omitempty"`
}

// StepResult 记录单个步骤的执行情况。
type StepResult struct {
	StepID  string `json:"stepId"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskResult 是动作执行的结果。
type TaskResult struct {
	Success        bool           `json:"success"`
	ActionType     ActionType     `json:"actionType"`
	Steps          []StepResult   `json:"steps"`
	CompletedSteps []string       `json:"completedSteps"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	Suggestions    []string       `json:"suggestions,omitempty"`
	Duration       time.Duration  `json:"duration"`
}
