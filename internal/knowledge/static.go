package knowledge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义操作知识检索的通用接口。
type Provider interface {
	Query(instruction, intent string) []Snippet
}

// Snippet 描述一条可附加到执行计划中的操作说明。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

//go:embed snippets.json
var defaultSnippets []byte

// StaticProvider 基于关键字匹配提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// DefaultProvider 返回内置的知识条目。
func DefaultProvider(maxResults int) *StaticProvider {
	var items []Snippet
	if err := json.Unmarshal(defaultSnippets, &items); err != nil {
		panic(fmt.Sprintf("内置知识库格式错误: %v", err))
	}
	return NewStaticProvider(items, maxResults)
}

// LoadStaticProvider 从 JSON 文件加载知识条目，路径为空时使用内置条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProvider(maxResults), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 根据指令文本与意图进行关键字匹配，关键字优先于标签。
func (p *StaticProvider) Query(instruction, intent string) []Snippet {
	if p == nil {
		return nil
	}

	instruction = strings.ToLower(strings.TrimSpace(instruction))
	intent = strings.ToLower(strings.TrimSpace(intent))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matchesAny(item.Keywords, instruction, intent) || matchesAny(item.Tags, instruction, intent) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matchesAny(words []string, texts ...string) bool {
	for _, word := range words {
		normalized := strings.ToLower(strings.TrimSpace(word))
		if normalized == "" {
			continue
		}
		for _, text := range texts {
			if strings.Contains(text, normalized) {
				return true
			}
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
