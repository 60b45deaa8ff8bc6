package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCodeInternal は内部エラー時のエラーコード。
const ErrorCodeInternal = "INTERNAL_ERROR"

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にログを出力し、500エラーを返す。パニックの内容はクライアントに返さない。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(c.Request.Context(), "ハンドラでパニックが発生",
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
					slog.Any("panic", r),
				)
				Reject(c, http.StatusInternalServerError, NewRejection(ErrorCodeInternal, "Internal server error."))
			}
		}()
		c.Next()
	}
}
