package auth

import (
	"strings"

	xerrors "ChainPilot/internal/errors"
)

// 认证相关的错误码。
const (
	CodeUnauthorized xerrors.Code = "UNAUTHORIZED"
	CodeForbidden    xerrors.Code = "FORBIDDEN"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "missing or invalid api token",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthorized, "缺少 Bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthorized, "无效的 token")
	ErrSubjectRevoked   = xerrors.New(CodeForbidden, "token 已停用")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "权限不足")
)

// 内置权限。PermissionAll 匹配任意权限。
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAll   = "*"
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断调用方是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求调用方同时拥有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, "缺少权限 "+perm)
		}
	}
	return nil
}
