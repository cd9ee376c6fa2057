package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/attribution/internal/locker"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "lock_busy", err: fmt.Errorf("tenant 1: %w", locker.ErrLockBusy), want: SchedulerJobReasonLockBusy},
		{name: "lock_lost", err: fmt.Errorf("tenant 1: %w", locker.ErrLockLost), want: SchedulerJobReasonLockBusy},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure_pq", err: &pq.Error{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(gorm.ErrRecordNotFound))
	assert.True(t, IsSchedulerErrorRetryable(locker.ErrLockBusy))
	assert.False(t, IsSchedulerErrorRetryable(errors.New("invalid_transition")))
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "attribution",
		Environment: "test",
	})

	metrics.AddBatchProcessed("attribution_runs", ResourceBusinessEvents, 3)
	metrics.AddJobEvents("hard", 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("attribution_runs", ResourceBusinessEvents)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.jobEvents.WithLabelValues("hard")))
}
