package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginAllowed は許可リストに基づくオリジン判定関数を返す。
// 許可リストに "*" を含む場合はすべてのオリジンを許可する。
// WebSocketのアップグレード時のオリジン検査とCORSで共用する。
func OriginAllowed(allowedOrigins []string) func(origin string) bool {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			return func(string) bool { return true }
		}
		originsSet[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := originsSet[origin]
		return ok
	}
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// フロントエンドから通知APIを呼ぶために使用する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := OriginAllowed(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
