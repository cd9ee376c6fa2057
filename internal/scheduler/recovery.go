package scheduler

import (
	"context"

	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
)

// RecoverySweepJob resumes RUNNING jobs that stopped reporting progress, e.g.
// after a worker crash or a run that hit its timeout. The processor continues
// from the stored cursor, so no event is evaluated twice.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverySweep, s.cfg.AttributionBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	jobs, err := s.claimJobs(ctx,
		`status = ? AND updated_at <= ?`,
		[]any{jobdomain.JobStatusRunning, cutoff},
		s.cfg.AttributionBatch,
	)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.claim.failed", JobRecoverySweep, 0, err)
		return err
	}
	return s.driveJobs(ctx, run, JobRecoverySweep, jobs, true)
}
