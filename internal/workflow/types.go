package workflow

import (
	"time"
)

// Status 是工作流执行的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped 只用于步骤记录：可选步骤的依赖未完成。
	StatusSkipped Status = "skipped"
)

// StepType 决定步骤的执行方式。
type StepType string

const (
	StepContractCall  StepType = "contract_call"
	StepValueTransfer StepType = "value_transfer"
	StepApproval      StepType = "approval"
	StepVerification  StepType = "verification"
	StepWait          StepType = "wait"
	StepAction        StepType = "action"
)

// ConditionType 是步骤前置条件的类型。
type ConditionType string

const (
	ConditionBalance   ConditionType = "balance"
	ConditionAllowance ConditionType = "allowance"
	ConditionOwnership ConditionType = "ownership"
	ConditionCustom    ConditionType = "custom"
)

// Condition 是步骤执行前必须满足的检查。地址与数量字段支持 $param 占位符，
// 地址为空时默认使用签名账户。
type Condition struct {
	Type        ConditionType `yaml:"type" json:"type"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Address     string        `yaml:"address,omitempty" json:"address,omitempty"`
	Token       string        `yaml:"token,omitempty" json:"token,omitempty"`
	Spender     string        `yaml:"spender,omitempty" json:"spender,omitempty"`
	Owner       string        `yaml:"owner,omitempty" json:"owner,omitempty"`
	MinAmount   string        `yaml:"min_amount,omitempty" json:"minAmount,omitempty"`
	// Check 是 custom 条件注册的检查名称。
	Check string `yaml:"check,omitempty" json:"check,omitempty"`
}

// Step 是工作流中的一个步骤。
type Step struct {
	ID           string         `yaml:"id" json:"id"`
	Name         string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Type         StepType       `yaml:"type" json:"type"`
	Contract     string         `yaml:"contract,omitempty" json:"contract,omitempty"`
	Function     string         `yaml:"function,omitempty" json:"function,omitempty"`
	ABI          string         `yaml:"abi,omitempty" json:"abi,omitempty"`
	Args         []any          `yaml:"args,omitempty" json:"args,omitempty"`
	To           string         `yaml:"to,omitempty" json:"to,omitempty"`
	Value        string         `yaml:"value,omitempty" json:"value,omitempty"`
	GasLimit     uint64         `yaml:"gas_limit,omitempty" json:"gasLimit,omitempty"`
	DurationMS   int            `yaml:"duration_ms,omitempty" json:"durationMs,omitempty"`
	Action       string         `yaml:"action,omitempty" json:"action,omitempty"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Conditions   []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	// Retryable 为 true 时，步骤失败只被记录，执行继续进行下一步，不会自动重试。
	Retryable bool `yaml:"retryable,omitempty" json:"retryable,omitempty"`
	// Optional 为 true 时，依赖未完成的步骤被跳过而不是记为失败。
	Optional     bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	EstimatedGas uint64 `yaml:"estimated_gas,omitempty" json:"estimatedGas,omitempty"`
}

// Definition 是工作流模板。
type Definition struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	Description       string   `yaml:"description,omitempty" json:"description,omitempty"`
	Category          string   `yaml:"category,omitempty" json:"category,omitempty"`
	RiskLevel         string   `yaml:"risk_level,omitempty" json:"riskLevel,omitempty"`
	TotalEstimatedGas uint64   `yaml:"total_estimated_gas,omitempty" json:"totalEstimatedGas,omitempty"`
	Parameters        []string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// ReadOnly 的工作流跳过签名账户与余额预检。
	ReadOnly bool   `yaml:"read_only,omitempty" json:"readOnly,omitempty"`
	Steps    []Step `yaml:"steps" json:"steps"`
}

// StepRecord 记录一个步骤的执行结果。
type StepRecord struct {
	StepID       string    `json:"stepId"`
	Type         StepType  `json:"type"`
	Status       Status    `json:"status"`
	Output       any       `json:"output,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	GasUsed      uint64    `json:"gasUsed,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// TransactionRecord 记录产生链上交易的步骤。
type TransactionRecord struct {
	StepID      string `json:"stepId"`
	Hash        string `json:"hash"`
	GasUsed     uint64 `json:"gasUsed"`
	BlockNumber uint64 `json:"blockNumber"`
	Success     bool   `json:"success"`
}

// Execution 是工作流的一次运行实例，只保存在内存中。
type Execution struct {
	ID             string              `json:"executionId"`
	WorkflowID     string              `json:"workflowId"`
	Status         Status              `json:"status"`
	CurrentStep    int                 `json:"currentStep"`
	CompletedSteps []string            `json:"completedSteps"`
	FailedSteps    []string            `json:"failedSteps"`
	Steps          []StepRecord        `json:"steps"`
	Transactions   []TransactionRecord `json:"transactions"`
	TotalGasUsed   uint64              `json:"totalGasUsed"`
	Errors         []string            `json:"errors"`
	Parameters     map[string]any      `json:"parameters,omitempty"`
	Outputs        map[string]any      `json:"outputs,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	FinishedAt     *time.Time          `json:"finishedAt,omitempty"`
}

func (e *Execution) clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	out.FailedSteps = append([]string(nil), e.FailedSteps...)
	out.Steps = append([]StepRecord(nil), e.Steps...)
	out.Transactions = append([]TransactionRecord(nil), e.Transactions...)
	out.Errors = append([]string(nil), e.Errors...)
	out.Outputs = make(map[string]any, len(e.Outputs))
	for k, v := range e.Outputs {
		out.Outputs[k] = v
	}
	if e.FinishedAt != nil {
		finished := *e.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}

// Validation 是执行前预检的结果。
type Validation struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Balance         string   `json:"balance,omitempty"`
	Threshold       string   `json:"threshold,omitempty"`
}

// Result 是一次工作流执行的最终结果。
type Result struct {
	Success         bool        `json:"success"`
	Execution       *Execution  `json:"execution"`
	Validation      *Validation `json:"validation,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
	Error           string      `json:"error,omitempty"`
}
