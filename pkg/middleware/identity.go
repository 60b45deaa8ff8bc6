package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// ginコンテキストに身元情報を格納するキー。
const (
	contextKeyIdentity = "identity"
	contextKeyUserID   = "user_id"
)

// headerKeyUserID は認証済みユーザーIDを返すHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// bearerPrefix はAuthorizationヘッダーのBearerスキーム接頭辞。
const bearerPrefix = "Bearer "

// BearerCredential はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無い場合は auth.ErrCredentialMissing、
// Bearerスキームでない場合は auth.ErrCredentialMalformed を返す。
func BearerCredential(h http.Header, transport auth.Transport) (auth.Credential, error) {
	header := strings.TrimSpace(h.Get("Authorization"))
	if header == "" {
		return auth.Credential{}, auth.ErrCredentialMissing
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return auth.Credential{}, auth.ErrCredentialMalformed
	}
	return auth.Credential{Raw: strings.TrimSpace(header[len(bearerPrefix):]), Transport: transport}, nil
}

// RequireIdentity は資格情報を検証するGinミドルウェアを返す。
// 検証に成功した場合、Identityをコンテキストに設定してから後続のハンドラを呼び出す。
// 失敗時は401と資格情報のエラーコードを返して中断する。
func RequireIdentity(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := BearerCredential(c.Request.Header, auth.TransportHTTPHeader)
		if err != nil {
			status, rejection := CredentialRejection(err)
			Reject(c, status, rejection)
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), cred)
		if err != nil {
			status, rejection := CredentialRejection(err)
			Reject(c, status, rejection)
			return
		}

		c.Set(contextKeyIdentity, identity)
		c.Set(contextKeyUserID, identity.UserID)
		c.Header(headerKeyUserID, identity.UserID)
		c.Next()
	}
}

// IdentityFrom はGinコンテキストからIdentityを取得する。
// RequireIdentityミドルウェアが事前に適用されている必要がある。
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
