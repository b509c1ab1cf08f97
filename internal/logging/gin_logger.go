package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger writes one access log line per request through logrus so
// access and application logs share one destination and format.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		line := fmt.Sprintf("%d | %8s | %s | %s %s",
			status,
			time.Since(start).Truncate(time.Millisecond),
			c.ClientIP(),
			c.Request.Method,
			path,
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			line += " | " + errs
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error(line)
		case status >= http.StatusBadRequest:
			log.Warn(line)
		default:
			log.Info(line)
		}
	}
}

// GinLogrusRecovery converts handler panics into logged 500 responses.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"path":  c.Request.URL.Path,
			"stack": string(debug.Stack()),
		}).Error("request handler panicked")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
