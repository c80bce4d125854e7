package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	xerrors "ChainPilot/internal/errors"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

var knownStepTypes = map[StepType]bool{
	StepContractCall:  true,
	StepValueTransfer: true,
	StepApproval:      true,
	StepVerification:  true,
	StepWait:          true,
	StepAction:        true,
}

// BuiltinDefinitions 返回内置的工作流定义。
func BuiltinDefinitions() ([]*Definition, error) {
	return loadFS(builtinFS, "definitions")
}

// LoadDefinitions 读取目录下所有 .yaml/.yml 文件，目录为空时返回空列表。
func LoadDefinitions(dir string) ([]*Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("读取工作流目录失败: %w", err)
	}
	return loadFS(os.DirFS(dir), ".")
}

func loadFS(fsys fs.FS, root string) ([]*Definition, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("读取工作流目录失败: %w", err)
	}
	names := lo.FilterMap(entries, func(entry fs.DirEntry, _ int) (string, bool) {
		ext := strings.ToLower(path.Ext(entry.Name()))
		return entry.Name(), !entry.IsDir() && (ext == ".yaml" || ext == ".yml")
	})
	sort.Strings(names)

	definitions := make([]*Definition, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("读取工作流文件 %s 失败: %w", name, err)
		}
		def, err := ParseDefinition(content)
		if err != nil {
			return nil, fmt.Errorf("工作流文件 %s: %w", name, err)
		}
		definitions = append(definitions, def)
	}
	return definitions, nil
}

// ParseDefinition 解析并校验单个 YAML 定义。
func ParseDefinition(content []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工作流定义失败")
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition 检查 id、步骤类型与依赖引用。依赖只能指向排在前面的步骤。
func ValidateDefinition(def *Definition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少 id")
	}
	if len(def.Steps) == 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "工作流 %s 没有步骤", def.ID)
	}
	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "工作流 %s 的第 %d 个步骤缺少 id", def.ID, i+1)
		}
		if seen[step.ID] {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "工作流 %s 的步骤 id %s 重复", def.ID, step.ID)
		}
		if !knownStepTypes[step.Type] {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "步骤 %s 的类型 %q 不受支持", step.ID, step.Type)
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "步骤 %s 依赖的 %s 不存在或排在其后", step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.TotalEstimatedGas == 0 {
		def.TotalEstimatedGas = lo.SumBy(def.Steps, func(s Step) uint64 { return s.EstimatedGas })
	}
	return nil
}
