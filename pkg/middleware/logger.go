package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// ストリーミング接続はセッション終了時に1行だけ出力される。
func Logger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if userID := GetUserID(c); userID != "" {
			entry = entry.WithField("user_id", userID)
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("リクエスト処理でエラーが発生しました")
		case status >= 400:
			entry.Warn("リクエストが拒否されました")
		default:
			entry.Info("リクエストを処理しました")
		}
	}
}
