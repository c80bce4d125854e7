package workflow

import (
	"fmt"
	"strings"
)

// SignerParam 解析为签名账户地址。
const SignerParam = "signer"

// resolver 将 $name 占位符依次在运行参数、步骤输出中查找。
// $stepId.field 形式会读取该步骤 map 输出中的字段。
type resolver struct {
	params  map[string]any
	outputs map[string]any
	signer  string
}

func (r resolver) value(raw any) any {
	switch v := raw.(type) {
	case string:
		return r.lookup(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.value(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = r.value(item)
		}
		return out
	}
	return raw
}

func (r resolver) lookup(text string) any {
	if !strings.HasPrefix(text, "$") || len(text) == 1 {
		return text
	}
	name := text[1:]
	if name == SignerParam && r.signer != "" {
		if _, overridden := r.params[name]; !overridden {
			return r.signer
		}
	}
	if v, ok := r.params[name]; ok {
		return v
	}
	if v, ok := r.outputs[name]; ok {
		return v
	}
	if stepID, field, ok := strings.Cut(name, "."); ok {
		if m, isMap := r.outputs[stepID].(map[string]any); isMap {
			if v, found := m[field]; found {
				return v
			}
		}
	}
	return text
}

func (r resolver) string(raw string) string {
	v := r.lookup(raw)
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
