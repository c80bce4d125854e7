// Package knowledge 汇集不依赖网络的静态知识：合约模式表、常见函数选择器与
// 事件 topic、已验证 ABI 注册表，以及供任务解释器引用的操作说明片段。
package knowledge
