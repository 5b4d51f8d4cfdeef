package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger logs request info after a handler runs:
//
//	HTTPMethod Path -> IPAddr (StatusCode) (latency)
//	e.g. GET /v1/openid4vc/sessions/1 -> 192.168.1.0 (200) (4ms)
func Logger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"remote":  c.ClientIP(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request completed")
	}
}
