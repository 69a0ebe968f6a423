package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// jwtManager 负责 HS256 令牌的签名与校验。
type jwtManager struct {
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

type jwtClaims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (m *jwtManager) issue(subject Subject, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	expires := now.Add(ttl)
	claims := jwtClaims{
		Permissions: append([]string(nil), subject.Permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Name,
			Issuer:    m.issuer,
			Audience:  append(jwt.ClaimStrings(nil), m.audience...),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

func (m *jwtManager) verify(token string) (*jwtClaims, error) {
	// 时间相关的校验使用 m.now，解析器只负责签名
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	var claims jwtClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	now := m.now()
	if !claims.VerifyExpiresAt(now, false) || !claims.VerifyNotBefore(now, false) {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && !claims.VerifyIssuer(m.issuer, true) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 && !m.audienceMatches(&claims) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *jwtManager) audienceMatches(claims *jwtClaims) bool {
	for _, want := range m.audience {
		if claims.VerifyAudience(want, true) {
			return true
		}
	}
	return false
}
