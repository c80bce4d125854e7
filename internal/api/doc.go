// Package api 是 ChainPilot 的 HTTP 调用层：提交与查询指令任务、探索合约、
// 运行与取消工作流。处理器只做参数解析与结果编码，业务逻辑全部在核心包中。
package api
