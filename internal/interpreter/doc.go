// Package interpreter 将自然语言指令解析为意图与实体，生成带依赖关系的
// 可执行动作，并按声明顺序执行各步骤。步骤处理器按动作名称注册，
// 工作流引擎也通过 RunStep 复用这些处理器。
package interpreter
