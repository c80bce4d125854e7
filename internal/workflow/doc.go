// Package workflow 执行命名的工作流定义或临时动作，维护执行状态、
// 交易与 gas 记录，并按步骤的 retryable 标记决定失败后是否继续。
package workflow
