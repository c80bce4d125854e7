// Package explorer 协调合约分析与工具生成，补充交互历史与风险评估，
// 并持有各级缓存的整体生命周期。
package explorer
