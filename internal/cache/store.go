// Package cache 提供按字符串键索引的进程内或分布式缓存。
//
// 合约分析结果、生成的工具以及探索数据都通过 Store 接口注入到各自的组件，
// 组件之间不共享任何全局单例。
package cache

import (
	"context"
	"strings"
)

// Store 是一个简单的键值缓存，最后写入者生效。
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// NormalizeKey 将地址类键统一为小写并去除空白。
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
