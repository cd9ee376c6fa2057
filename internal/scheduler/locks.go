package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	"gorm.io/gorm"
)

type WorkJob struct {
	ID              snowflake.ID
	TenantID        snowflake.ID
	Status          jobdomain.JobStatus
	CancelRequested bool
	UpdatedAt       time.Time
}

// FetchJobsForWork claims up to limit jobs in the given status.
func (s *Scheduler) FetchJobsForWork(ctx context.Context, status jobdomain.JobStatus, limit int) ([]WorkJob, error) {
	return s.claimJobs(ctx, `status = ?`, []any{status}, limit)
}

// claimJobs selects jobs in a short transaction. Rows another replica holds are
// skipped; the per-tenant run lock inside the processor still decides who runs.
func (s *Scheduler) claimJobs(ctx context.Context, where string, args []any, limit int) ([]WorkJob, error) {
	if limit <= 0 {
		limit = s.cfg.AttributionBatch
	}
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var jobs []WorkJob
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		jobs, err = s.fetchJobsForWork(claimCtx, tx, where, args, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Scheduler) fetchJobsForWork(ctx context.Context, tx *gorm.DB, where string, args []any, limit int) ([]WorkJob, error) {
	var jobs []WorkJob
	schedMetrics := obsmetrics.Scheduler()
	query := fmt.Sprintf(
		`SELECT id, tenant_id, status, cancel_requested, updated_at
		 FROM attribution_jobs
		 WHERE %s
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		where,
	)
	args = append(args, limit)
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(query, args...).Scan(&jobs).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.ResourceAttributionJobs, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// fetchBillingTenants pages through tenants with a billing contract.
func (s *Scheduler) fetchBillingTenants(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = s.cfg.BillingBatch
	}
	return s.billingRepo.ListBillingTenants(ctx, s.db, afterID, limit)
}
