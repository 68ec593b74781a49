package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func TestRequestLoggerRedactsQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	previous := log.StandardLogger().Out
	log.SetOutput(&buf)
	defer log.SetOutput(previous)

	engine := gin.New()
	engine.Use(RequestLogger())
	engine.GET("/streamlabs/callback", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streamlabs/callback?code=secret-code-1&state=state-1", nil))

	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response is missing the request id header")
	}
	logged := buf.String()
	if strings.Contains(logged, "secret-code-1") {
		t.Errorf("log leaks the authorization code: %s", logged)
	}
	if !strings.Contains(logged, "state-1") {
		t.Errorf("log should keep non-sensitive params: %s", logged)
	}
	if !strings.Contains(logged, "/streamlabs/callback") {
		t.Errorf("log should carry the request path: %s", logged)
	}
}

func TestRequestLoggerKeepsCallerRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	previous := log.StandardLogger().Out
	log.SetOutput(&buf)
	defer log.SetOutput(previous)

	engine := gin.New()
	engine.Use(RequestLogger())
	engine.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "caller-id-1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "caller-id-1" {
		t.Errorf("request id = %q, want the caller's id echoed back", got)
	}
}

func TestRedactQuery(t *testing.T) {
	values := url.Values{"code": {"abc"}, "token": {"xyz"}, "page": {"2"}}
	got := redactQuery(values)
	if strings.Contains(got, "abc") || strings.Contains(got, "xyz") {
		t.Errorf("redactQuery(%v) = %q, sensitive values survived", values, got)
	}
	if !strings.Contains(got, "page=2") {
		t.Errorf("redactQuery(%v) = %q, plain params should survive", values, got)
	}
	if got := redactQuery(url.Values{}); got != "" {
		t.Errorf("redactQuery(empty) = %q, want empty", got)
	}
}
