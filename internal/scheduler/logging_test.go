package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/attribution/internal/clock"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSchedulerErrorClassifiesReason(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := &Scheduler{log: zap.New(core), genID: node, clock: clock.NewFakeClock(time.Time{})}
	run := &jobRun{job: JobBillingSync}

	s.logSchedulerError(context.Background(), run, "scheduler.billing.sync.failed", JobBillingSync, snowflake.ID(7),
		fmt.Errorf("sync tenant: %w", &pgconn.PgError{Code: "40001"}))
	s.logSchedulerError(context.Background(), run, "scheduler.billing.sync.failed", JobBillingSync, snowflake.ID(7), nil)

	entries := logs.FilterMessage("scheduler.billing.sync.failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, obsmetrics.SchedulerJobReasonSerializationFailure, fields["reason"])
	assert.Equal(t, obsmetrics.SchedulerErrorTypeDB, fields["error_type"])
	assert.Equal(t, true, fields["retryable"])
	assert.Equal(t, "7", fields["tenant_id"])
	assert.Equal(t, 1, run.errorCount)
}
