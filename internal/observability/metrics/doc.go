// Package metrics 汇总 ChainPilot 的 Prometheus 指标：HTTP 请求、任务结果、
// 工作流执行与合约分析来源，并通过 Handler 以 /metrics 暴露。
package metrics
