package auth

import (
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Swarm/internal/errors"
)

const (
	// CodeUnauthenticated 表示请求缺少或携带了无效的访问令牌。
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	// CodePermissionDenied 表示调用方缺少所需权限。
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// 权限名称。
const (
	PermissionRead    = "executions:read"
	PermissionExecute = "executions:write"
	PermissionApprove = "approvals:write"
	PermissionJobs    = "jobs:write"
	// PermissionAll 授予全部权限。
	PermissionAll = "*"
)

// Subject 是通过认证的调用方，审批审计日志以其名称记录审批人。
type Subject struct {
	Name        string
	Permissions []string

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

// HasPermission 判断主体是否拥有指定权限。
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

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("missing %s", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	// ModeToken 使用配置中的静态 API 令牌。
	ModeToken Mode = "token"
	// ModeJWT 校验以共享密钥签发的 HS256 令牌。
	ModeJWT Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	Tokens []StaticToken
	JWT    JWTOptions
}

// StaticToken 是一条静态 API 令牌。
type StaticToken struct {
	Name        string
	Token       string
	Permissions []string
}

// JWTOptions 描述 JWT 的签发与校验参数。
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience []string
	TTL      time.Duration
}
