package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// jwtDate は時刻をJWTの数値日付に変換する。
func jwtDate(t time.Time) *jwt.NumericDate {
	return jwt.NewNumericDate(t)
}

// signForTest はクレームを指定した秘密鍵で署名する。
// 有効期限が未設定の場合は1時間後を設定する。
func signForTest(t *testing.T, secret string, claims *auth.Claims) string {
	t.Helper()
	if claims.Issuer == "" {
		claims.Issuer = auth.DefaultIssuer
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwtDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}
