package guard

import (
	"errors"
	"time"

	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
)

var (
	ErrJobNotRunnable  = errors.New("attribution_job_not_runnable")
	ErrJobNotStalled   = errors.New("attribution_job_not_stalled")
	ErrInvalidTenantID = errors.New("invalid_tenant_id")
)

// EnsureJobRunnable admits jobs the processor can still drive. A RUNNING job
// with a pending cancel is admitted so the processor can settle it.
func EnsureJobRunnable(status jobdomain.JobStatus) error {
	if status != jobdomain.JobStatusPending && status != jobdomain.JobStatusRunning {
		return ErrJobNotRunnable
	}
	return nil
}

// EnsureJobStalled admits RUNNING jobs that made no progress for threshold.
func EnsureJobStalled(status jobdomain.JobStatus, updatedAt, now time.Time, threshold time.Duration) error {
	if status != jobdomain.JobStatusRunning {
		return ErrJobNotRunnable
	}
	if now.Sub(updatedAt) < threshold {
		return ErrJobNotStalled
	}
	return nil
}

func EnsureBillingTenant(tenantID int64) error {
	if tenantID <= 0 {
		return ErrInvalidTenantID
	}
	return nil
}
