package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins は許可するオリジンの集合。"*" はすべてのオリジンを表す。
type Origins struct {
	all bool
	set map[string]struct{}
}

// NewOrigins は許可リストからOriginsを生成する。前後の空白と空要素は無視する。
func NewOrigins(allowed []string) Origins {
	o := Origins{set: make(map[string]struct{}, len(allowed))}
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			o.all = true
		default:
			o.set[origin] = struct{}{}
		}
	}
	return o
}

// Empty は許可リストが空のときtrueを返す。
func (o Origins) Empty() bool {
	return !o.all && len(o.set) == 0
}

// Allows はオリジンが許可されているかを返す。空のオリジンは許可しない。
func (o Origins) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if o.all {
		return true
	}
	_, ok := o.set[origin]
	return ok
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// 通知一覧APIはGETとPUTのみを公開する。
// 許可されていないオリジンからのプリフライトは403で拒否する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	origins := NewOrigins(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origins.Allows(origin)
		if allowed {
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			if origin != "" && !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
