package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ABISource 提供已验证合约的 ABI。未找到时返回 ok=false，而不是错误。
type ABISource interface {
	VerifiedABI(ctx context.Context, address string) (abiJSON string, ok bool, err error)
}

// ABIRegistry 是一个进程内的已验证 ABI 表，默认为空。
type ABIRegistry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewABIRegistry 创建空的注册表。
func NewABIRegistry() *ABIRegistry {
	return &ABIRegistry{entries: make(map[string]string)}
}

// LoadABIRegistry 从 JSON 文件加载 {address: abi} 映射，abi 可以是数组或字符串。
func LoadABIRegistry(path string) (*ABIRegistry, error) {
	registry := NewABIRegistry()
	if strings.TrimSpace(path) == "" {
		return registry, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 ABI 注册表失败: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("解析 ABI 注册表失败: %w", err)
	}
	for address, value := range raw {
		abiJSON := string(value)
		var asString string
		if err := json.Unmarshal(value, &asString); err == nil {
			abiJSON = asString
		}
		registry.Register(address, abiJSON)
	}
	return registry, nil
}

// Register 登记地址对应的 ABI。
func (r *ABIRegistry) Register(address, abiJSON string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(strings.TrimSpace(address))] = abiJSON
}

// VerifiedABI 实现 ABISource。
func (r *ABIRegistry) VerifiedABI(_ context.Context, address string) (string, bool, error) {
	if r == nil {
		return "", false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	abiJSON, ok := r.entries[strings.ToLower(strings.TrimSpace(address))]
	return abiJSON, ok, nil
}

// Len 返回注册条目数。
func (r *ABIRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

var _ ABISource = (*ABIRegistry)(nil)
