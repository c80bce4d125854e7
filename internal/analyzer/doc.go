// Package analyzer 实现合约分析引擎：根据地址获取字节码或已验证 ABI，
// 提取函数与事件、识别常见合约模式，并按地址缓存分析结果。
package analyzer
