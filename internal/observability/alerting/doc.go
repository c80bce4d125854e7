// Package alerting 负责把任务失败事件派发到日志与 Webhook 渠道。
package alerting
