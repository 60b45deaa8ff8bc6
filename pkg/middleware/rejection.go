package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// contextKeyRejectionCode は拒否時のエラーコードをGinコンテキストに格納するキー。
const contextKeyRejectionCode = "rejection_code"

// Rejection は拒否レスポンスのJSON構造。形式は固定で、内部の詳細は含めない。
type Rejection struct {
	// Success は常にfalse。
	Success bool `json:"success"`
	// Message は利用者向けの説明文。
	Message string `json:"message"`
	// ErrorCode は安定したエラーコード。
	ErrorCode string `json:"errorCode"`
}

// NewRejection は拒否レスポンスを生成する。
func NewRejection(code, message string) Rejection {
	return Rejection{Success: false, Message: message, ErrorCode: code}
}

// CredentialRejection は資格情報検証のエラーをHTTPステータスと拒否レスポンスに変換する。
func CredentialRejection(err error) (int, Rejection) {
	kind := auth.KindOf(err)
	return http.StatusUnauthorized, NewRejection(kind.Code(), kind.Message())
}

// Reject はリクエストを中断し、拒否レスポンスを返す。
// 後続のハンドラは実行されない。
func Reject(c *gin.Context, status int, rejection Rejection) {
	c.Set(contextKeyRejectionCode, rejection.ErrorCode)
	c.AbortWithStatusJSON(status, rejection)
}

// RejectionCode はRejectで設定されたエラーコードを返す。拒否されていない場合は空文字列。
func RejectionCode(c *gin.Context) string {
	return c.GetString(contextKeyRejectionCode)
}

// WriteRejection はGinを経由しないハンドラ向けに拒否レスポンスを書き込む。
func WriteRejection(w http.ResponseWriter, status int, rejection Rejection) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejection)
}
