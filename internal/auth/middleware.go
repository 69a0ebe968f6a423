package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "OpenMCP-Swarm/internal/errors"
)

// PermissionFunc 返回请求所需的权限，空字符串表示只需通过认证。
type PermissionFunc func(r *http.Request) string

// Middleware 返回认证与授权中间件。未启用认证时请求原样放行。
func (s *Service) Middleware(required PermissionFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil && required != nil {
				err = subject.Authorize(required(r))
			}
			if err != nil {
				status := http.StatusUnauthorized
				if xerrors.HasCode(err, CodePermissionDenied) {
					status = http.StatusForbidden
				}
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.Any("error", err),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("subject", subject.Name))
				}
				s.audit.Warn("access_denied", attrs...)
				writeDenied(w, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": string(xerrors.CodeOf(err)), "message": message},
	})
}
