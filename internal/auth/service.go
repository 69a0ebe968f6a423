package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/pkg/logger"
)

// Service 负责 HTTP 端点的身份认证。
type Service struct {
	mode   Mode
	tokens []staticEntry
	jwt    *jwtManager
	audit  *slog.Logger
}

type staticEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 构造认证服务。模式为空时等同于 disabled。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "token mode requires at least one token")
		}
		for i, t := range cfg.Tokens {
			if strings.TrimSpace(t.Token) == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("token #%d (%s) is empty", i, t.Name))
			}
			svc.tokens = append(svc.tokens, staticEntry{
				digest:  sha256.Sum256([]byte(t.Token)),
				subject: Subject{Name: t.Name, Permissions: append([]string(nil), t.Permissions...)},
			})
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "jwt secret must be configured")
		}
		ttl := cfg.JWT.TTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		svc.jwt = &jwtManager{
			secret:   []byte(cfg.JWT.Secret),
			issuer:   cfg.JWT.Issuer,
			audience: cfg.JWT.Audience,
			ttl:      ttl,
			now:      time.Now,
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}
	return svc, nil
}

// Enabled 报告是否需要对请求做认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Issue 为主体签发 JWT，仅在 jwt 模式下可用。ttl 非正时使用配置值。
func (s *Service) Issue(subject Subject, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.jwt == nil {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "token issuance requires jwt mode")
	}
	if strings.TrimSpace(subject.Name) == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "subject name is required")
	}
	return s.jwt.issue(subject, ttl)
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{Name: "anonymous", Permissions: []string{PermissionAll}}, nil
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeToken:
		return s.verifyStatic(token)
	case ModeJWT:
		claims, err := s.jwt.verify(token)
		if err != nil {
			return nil, err
		}
		return &Subject{Name: claims.Subject, Permissions: claims.Permissions}, nil
	default:
		return nil, ErrInvalidToken
	}
}

func (s *Service) verifyStatic(token string) (*Subject, error) {
	digest := sha256.Sum256([]byte(token))
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			subject := s.tokens[i].subject
			subject.permissionsSet = nil
			subject.normalise()
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}
