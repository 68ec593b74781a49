package logging

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the per-request id back to the caller.
const RequestIDHeader = "X-Request-Id"

// RequestLogger tags each request with a uuid and logs method, path, status
// and latency on completion. Query strings appear with credential-bearing
// params (code, token, ...) redacted, since callback URLs carry secrets.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set("request_id", requestID)

		start := time.Now()
		c.Next()

		fields := log.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if query := redactQuery(c.Request.URL.Query()); query != "" {
			fields["query"] = query
		}
		log.WithFields(fields).Info("request completed")
	}
}

// redactQuery re-encodes a query string after running every param through
// the structured-field redaction.
func redactQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	fields := make(map[string]interface{}, len(values))
	for key, vals := range values {
		fields[key] = strings.Join(vals, ",")
	}
	redacted := url.Values{}
	for key, val := range RedactFields(fields) {
		redacted.Set(key, val.(string))
	}
	return redacted.Encode()
}
