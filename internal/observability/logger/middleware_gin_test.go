package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLogsCorrelationFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "client", "rate_limited" },
	}))
	r.POST("/internal/attribution/runs/:id/cancel", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.POST("/internal/tenants/:tenant_id/attribution/runs", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusTooManyRequests)
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/attribution/runs/77/cancel", nil)
	req.Header.Set("X-Request-Id", "req-9")
	req.Header.Set("X-Actor-Id", "ops@agency")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-9", w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/tenants/42/attribution/runs", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	entries := logs.All()
	require.Len(t, entries, 2)

	cancel := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "req-9", cancel["request_id"])
	assert.Equal(t, "77", cancel["job_id"])
	assert.Equal(t, "operator", cancel["actor_type"])
	assert.Equal(t, "ops@agency", cancel["actor_id"])

	throttled := entries[1].ContextMap()
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "42", throttled["tenant_id"])
	assert.Equal(t, "rate_limited", throttled["error_code"])
}
