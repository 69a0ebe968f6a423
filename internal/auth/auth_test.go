package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Swarm/internal/errors"
)

func TestDisabledModeAllowsEverything(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	subject, err := svc.AuthenticateRequest(context.Background(), "")
	require.NoError(t, err)
	assert.NoError(t, subject.Authorize(PermissionApprove, PermissionJobs))
}

func TestStaticTokens(t *testing.T) {
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []StaticToken{
			{Name: "reader", Token: "r-secret", Permissions: []string{PermissionRead}},
			{Name: "ops", Token: "o-secret", Permissions: []string{"*"}},
		},
	})
	require.NoError(t, err)

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer r-secret")
	require.NoError(t, err)
	assert.Equal(t, "reader", subject.Name)
	assert.NoError(t, subject.Authorize(PermissionRead))
	err = subject.Authorize(PermissionApprove)
	assert.True(t, xerrors.HasCode(err, CodePermissionDenied))

	subject, err = svc.AuthenticateRequest(context.Background(), "bearer o-secret")
	require.NoError(t, err)
	assert.NoError(t, subject.Authorize(PermissionApprove))

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer nope")
	assert.True(t, xerrors.HasCode(err, CodeUnauthenticated))
	_, err = svc.AuthenticateRequest(context.Background(), "Basic abc")
	assert.True(t, xerrors.HasCode(err, CodeUnauthenticated))
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewService(Config{Mode: ModeToken})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeToken, Tokens: []StaticToken{{Name: "x"}}})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeJWT})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: "ldap"})
	assert.Error(t, err)
}

func TestJWTIssueAndVerify(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "s3cret", Issuer: "openmcp", Audience: []string{"swarm"}, TTL: time.Minute}})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.jwt.now = func() time.Time { return now }

	token, expires, err := svc.Issue(Subject{Name: "alice", Permissions: []string{PermissionApprove}}, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), expires)

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.Name)
	assert.True(t, subject.HasPermission(PermissionApprove))
	assert.False(t, subject.HasPermission(PermissionJobs))

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+token+"x")
	assert.Error(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	assert.True(t, xerrors.HasCode(err, CodeUnauthenticated))

	other, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "s3cret", Issuer: "elsewhere"}})
	require.NoError(t, err)
	other.jwt.now = func() time.Time { return now.Add(-2 * time.Minute) }
	_, err = other.AuthenticateRequest(context.Background(), "Bearer "+token)
	assert.Error(t, err)
}

func TestJWTRejectsOtherAlgorithmsAndMissingSubject(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "s3cret", TTL: time.Minute}})
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "mallory", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+hs512)
	assert.True(t, xerrors.HasCode(err, CodeUnauthenticated))

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+anonymous)
	assert.True(t, xerrors.HasCode(err, CodeUnauthenticated))
}

func TestIssueRequiresJWTMode(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeToken, Tokens: []StaticToken{{Name: "a", Token: "t"}}})
	require.NoError(t, err)
	_, _, err = svc.Issue(Subject{Name: "a"}, time.Minute)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	svc, err := NewService(Config{
		Mode:   ModeToken,
		Tokens: []StaticToken{{Name: "reader", Token: "r", Permissions: []string{PermissionRead}}},
	})
	require.NoError(t, err)

	var seen *Subject
	h := svc.Middleware(func(r *http.Request) string {
		if r.Method == http.MethodGet {
			return PermissionRead
		}
		return PermissionExecute
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(CodeUnauthenticated))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer r")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "reader", seen.Name)

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer r")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
