package explorer

import (
	"strings"

	"ChainPilot/internal/contract"
)

// 风险等级。
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RiskFactor 是一项检测到的风险特征。
type RiskFactor struct {
	Factor      string `json:"factor"`
	Severity    string `json:"severity"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

// RiskAssessment 是加法评分的结果。
type RiskAssessment struct {
	Score           int          `json:"score"`
	Level           string       `json:"level"`
	Factors         []RiskFactor `json:"factors"`
	Recommendations []string     `json:"recommendations"`
}

type riskRule struct {
	factor         string
	severity       string
	score          int
	description    string
	recommendation string
	detect         func(info *contract.Info) bool
}

var riskRules = []riskRule{
	{
		factor:         "unverified",
		severity:       RiskMedium,
		score:          30,
		description:    "合约源码未验证",
		recommendation: "在交互前获取并核对合约源码，或仅进行小额操作",
		detect:         func(info *contract.Info) bool { return !info.Verified },
	},
	{
		factor:         "upgradeable",
		severity:       RiskHigh,
		score:          40,
		description:    "合约可升级，实现逻辑可能被替换",
		recommendation: "确认升级权限由多签或时间锁控制",
		detect:         hasAnyFunction("upgrade", "implementation"),
	},
	{
		factor:         "privileged_owner",
		severity:       RiskMedium,
		score:          25,
		description:    "存在所有者或管理员特权函数",
		recommendation: "核实所有者地址及其可执行的特权操作",
		detect:         hasAnyFunction("owner", "admin"),
	},
	{
		factor:         "pausable",
		severity:       RiskMedium,
		score:          20,
		description:    "合约可被暂停，资金可能被冻结",
		recommendation: "了解暂停条件以及恢复流程",
		detect:         hasAnyFunction("pause"),
	},
	{
		factor:         "supply_control",
		severity:       RiskMedium,
		score:          15,
		description:    "合约可增发或销毁代币",
		recommendation: "检查增发与销毁的权限和上限",
		detect:         hasAnyFunction("mint", "burn"),
	},
}

func hasAnyFunction(keywords ...string) func(*contract.Info) bool {
	return func(info *contract.Info) bool {
		for _, fn := range info.Functions {
			name := strings.ToLower(fn.Name)
			for _, keyword := range keywords {
				if strings.Contains(name, keyword) {
					return true
				}
			}
		}
		return false
	}
}

// AssessRisk 对合约特征进行确定性的加法评分，每个特征最多计分一次。
func AssessRisk(info *contract.Info) RiskAssessment {
	assessment := RiskAssessment{Level: RiskLow, Factors: []RiskFactor{}, Recommendations: []string{}}
	if info == nil {
		return assessment
	}
	for _, rule := range riskRules {
		if !rule.detect(info) {
			continue
		}
		assessment.Score += rule.score
		assessment.Factors = append(assessment.Factors, RiskFactor{
			Factor:      rule.factor,
			Severity:    rule.severity,
			Score:       rule.score,
			Description: rule.description,
		})
		assessment.Recommendations = append(assessment.Recommendations, rule.recommendation)
	}
	assessment.Level = RiskLevel(assessment.Score)
	return assessment
}

// RiskLevel 将分数映射为等级。
func RiskLevel(score int) string {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}
