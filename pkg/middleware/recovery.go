package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/shopnotify/pkg/logger"
)

// RecoveryOption はRecoveryの挙動を変更する。
type RecoveryOption func(*recoveryConfig)

type recoveryConfig struct {
	onPanic func(path string)
}

// WithPanicHook はパニックから回復するたびに呼ばれる関数を設定する。メトリクスの計上に使う。
func WithPanicHook(fn func(path string)) RecoveryOption {
	return func(cfg *recoveryConfig) {
		cfg.onPanic = fn
	}
}

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にリクエスト情報とスタックをログに出力し、500エラーを返す。
// WebSocketへのアップグレード後など応答を書き込み済みの場合は中断のみ行う。
func Recovery(opts ...RecoveryOption) gin.HandlerFunc {
	cfg := &recoveryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			path := c.FullPath()
			if path == "" {
				path = "unmatched"
			}
			logger.From(c.Request.Context()).ErrorContext(c.Request.Context(), "パニックから回復しました",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if cfg.onPanic != nil {
				cfg.onPanic(path)
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "内部サーバーエラーが発生しました",
			})
		}()
		c.Next()
	}
}
