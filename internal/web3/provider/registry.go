package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"ChainPilot/internal/config"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/ethereum"
)

// Dialer constructs a chain client from a definition; overridable in tests.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition, privateKey string) (web3.Client, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, dialEVM)
}

// NewRegistryWithDialer is NewRegistry with a custom client constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL, PrivateKeyEnv: cfg.PrivateKeyEnv}
		if defs.Default == "" {
			defs.Default = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	registry := &Registry{clients: make(map[string]web3.Client, len(defs.Chains))}
	for name, chain := range defs.Chains {
		keyEnv := chain.PrivateKeyEnv
		if keyEnv == "" {
			keyEnv = cfg.PrivateKeyEnv
		}
		privateKey := ""
		if keyEnv != "" {
			privateKey = strings.TrimSpace(os.Getenv(keyEnv))
		}
		client, err := dial(ctx, name, chain, privateKey)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		registry.clients[name] = client
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if defaultChain == "" {
		defaultChain = registry.Chains()[0]
	}
	if _, ok := registry.clients[defaultChain]; !ok {
		registry.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	registry.defaultChain = defaultChain
	return registry, nil
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition, privateKey string) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:       name,
		RPCURL:     def.RPCURL,
		PrivateKey: privateKey,
		Notes:      def.Description,
	})
	if err != nil {
		return nil, err
	}
	if def.ChainID > 0 {
		snapshot, err := client.FetchChainSnapshot(ctx)
		if err == nil && snapshot.ChainID != "0x"+big.NewInt(def.ChainID).Text(16) {
			client.Close()
			return nil, fmt.Errorf("链 %s 的 chain_id 与节点不一致: %s", name, snapshot.ChainID)
		}
	}
	return client, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
