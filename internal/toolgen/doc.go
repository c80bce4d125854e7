// Package toolgen 将合约函数转换为可独立调用的工具：每个工具带有结构化的输入
// 描述、参数校验与绑定到链访问端口的执行器，并按合约地址缓存。
package toolgen
