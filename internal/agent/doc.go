// Package agent 把指令解释器与工作流引擎串成一次完整的任务执行：
// 解释自然语言指令，经工作流引擎（或直接由解释器）执行动作，
// 附加知识库提示与链上快照，并写入审计日志。
package agent
