// Package auth 管理端口的 JWT 认证
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims 管理端 JWT claims
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// JWTValidator JWT 验证器
type JWTValidator struct {
	secretKey []byte
}

// NewJWTValidator 创建 JWT 验证器
func NewJWTValidator(secretKey string) *JWTValidator {
	return &JWTValidator{
		secretKey: []byte(secretKey),
	}
}

// Validate 验证 JWT token
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ValidateHeader 校验 "Bearer <token>" 形式的 Authorization 头
func (v *JWTValidator) ValidateHeader(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return v.Validate(strings.TrimSpace(token))
}

// GenerateToken 签发管理端 token
func (v *JWTValidator) GenerateToken(operator string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
