package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
)

// Artifact 是合约编译产物。
type Artifact struct {
	Name     string `json:"name"`
	ABI      string `json:"abi"`
	Bytecode []byte `json:"-"`
}

// ArtifactSource 按模板名称提供编译产物，编译器本身不在本服务内运行。
type ArtifactSource interface {
	Artifact(ctx context.Context, template string) (*Artifact, error)
}

// Uploader 将数据上传到外部存储并返回引用（如 CID 或 URL）。
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// DirArtifactSource 从目录读取 <template>.json，兼容 Hardhat 与 Foundry 的产物格式。
type DirArtifactSource struct {
	dir string
}

// NewDirArtifactSource 创建基于目录的产物来源。
func NewDirArtifactSource(dir string) *DirArtifactSource {
	return &DirArtifactSource{dir: dir}
}

type artifactFile struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// Artifact 读取并解析产物文件。
func (s *DirArtifactSource) Artifact(_ context.Context, template string) (*Artifact, error) {
	template = strings.TrimSpace(template)
	if template == "" || strings.ContainsAny(template, `/\`) || strings.Contains(template, "..") {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "合约模板名称非法: %q", template)
	}
	path := filepath.Join(s.dir, template+".json")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Newf(xerrors.CodeNotFound, "未找到合约模板 %s 的编译产物", template)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取编译产物失败")
	}
	return ParseArtifact(template, content)
}

// ParseArtifact 解析产物 JSON。bytecode 可以是字符串，也可以是 {"object": "..."}。
func ParseArtifact(name string, content []byte) (*Artifact, error) {
	var file artifactFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析编译产物失败")
	}
	if len(file.ABI) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "编译产物缺少 abi 字段")
	}

	var code string
	if err := json.Unmarshal(file.Bytecode, &code); err != nil {
		var nested struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(file.Bytecode, &nested); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编译产物 bytecode 格式不受支持")
		}
		code = nested.Object
	}
	code = strings.TrimSpace(code)
	if code == "" || code == "0x" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "编译产物 bytecode 为空")
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}

	if file.ContractName != "" {
		name = file.ContractName
	}
	return &Artifact{Name: name, ABI: string(file.ABI), Bytecode: common.FromHex(code)}, nil
}

func (a *Artifact) String() string {
	return fmt.Sprintf("%s (%d bytes)", a.Name, len(a.Bytecode))
}
