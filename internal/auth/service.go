package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// Mode 选择认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Service 使用静态 API token 认证请求。token 只以 SHA-256 摘要形式驻留内存。
type Service struct {
	mode   Mode
	tokens map[string]*Subject
	audit  *slog.Logger
}

// NewService 根据配置构造认证服务。token 模式下至少需要一个可用 token。
func NewService(cfg config.AuthConfig) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, tokens: make(map[string]*Subject), audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的认证模式: %s", cfg.Mode)
	}

	for i, entry := range cfg.Tokens {
		token := strings.TrimSpace(entry.Token)
		if token == "" && entry.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(entry.TokenEnv))
		}
		if token == "" {
			continue
		}
		name := entry.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		perms := entry.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRead}
		}
		subject := &Subject{Name: name, Permissions: append([]string(nil), perms...), Disabled: entry.Disabled}
		subject.normalise()
		svc.tokens[digest(token)] = subject
	}
	if len(svc.tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "token 认证模式下未配置任何 token")
	}
	return svc, nil
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	subject, found := s.tokens[digest(strings.TrimSpace(token))]
	if !found {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
