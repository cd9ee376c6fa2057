package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "42", fields["tenant_id"])
		assert.Equal(t, "system", fields["actor_type"])
		assert.Equal(t, "scheduler", fields["actor_id"])
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("select * from business_events"))
	assert.Equal(t, "INSERT", operationFromSQL(" INSERT INTO match_audits (id) VALUES (1)"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("xml"))
}

func TestWithContextOmitsMissingFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithJobID(context.Background(), "900")
	WithContext(ctx, base).Info("batch persisted")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "900", fields["job_id"])
		assert.NotContains(t, fields, "tenant_id")
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("")
	assert.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	level, err = parseLevel(" DEBUG ")
	assert.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	_, err = parseLevel("chatty")
	assert.Error(t, err)
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/health", 503))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/metrics", 200))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/internal/tenants/:tenant_id/billing/sync", 429))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/internal/periods/:id/transitions", 200))
}
