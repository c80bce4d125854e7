// Package auth 为 HTTP 调用层提供静态 API token 认证：token 来自配置或环境变量，
// 每个 token 绑定一组权限，中间件按请求方法校验并写审计日志。
package auth
