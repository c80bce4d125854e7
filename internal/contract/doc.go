// Package contract 定义合约分析结果的数据模型：合约信息、函数、事件与参数，
// 并负责与 go-ethereum ABI 类型之间的相互转换。
package contract
