package interpreter

import (
	"regexp"
	"strings"
)

type intentRule struct {
	intent  Intent
	pattern *regexp.Regexp
}

// intentRules 按优先级排列，第一个匹配的规则生效，顺序不可调整。
var intentRules = []intentRule{
	{IntentDeploy, regexp.MustCompile(`\b(deploy|launch|create)\b|部署|创建合约|发行`)},
	{IntentCall, regexp.MustCompile(`\b(call|invoke|execute)\b|调用|执行`)},
	{IntentQuery, regexp.MustCompile(`\b(check|query|get|show|view|balance|what)\b|查询|余额|查看`)},
	{IntentUpload, regexp.MustCompile(`\b(upload|store|save)\b|上传|存储`)},
	{IntentAnalyze, regexp.MustCompile(`\b(analy[sz]e|audit|inspect|explore)\b|分析|审计`)},
	{IntentTransfer, regexp.MustCompile(`\b(transfer|send|pay)\b|转账|发送`)},
	{IntentApprove, regexp.MustCompile(`\b(approve|allow|authori[sz]e)\b|授权|批准`)},
	{IntentMonitor, regexp.MustCompile(`\b(monitor|watch|track)\b|监控|监听`)},
}

// ExtractIntent 对小写后的指令依次匹配规则，均未命中时返回 query。
func ExtractIntent(instruction string) Intent {
	text := strings.ToLower(instruction)
	for _, rule := range intentRules {
		if rule.pattern.MatchString(text) {
			return rule.intent
		}
	}
	return IntentQuery
}
