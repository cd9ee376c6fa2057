package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/locker"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobAttributionRuns = "attribution_runs"
	JobRecoverySweep   = "recovery_sweep"
	JobBillingSync     = "billing_sync"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Processor      jobdomain.Processor
	Reconciliation reconciliationdomain.Service
	BillingRepo    reconciliationdomain.Repository
	AuditSvc       auditdomain.Service `optional:"true"`
	Config         Config              `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	processor      jobdomain.Processor
	reconciliation reconciliationdomain.Service
	billingRepo    reconciliationdomain.Repository
	auditSvc       auditdomain.Service
}

type auditEvent struct {
	TenantID   snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Processor == nil || p.Reconciliation == nil || p.BillingRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		processor:      p.Processor,
		reconciliation: p.Reconciliation,
		billingRepo:    p.BillingRepo,
		auditSvc:       p.AuditSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick resumes the work
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobAttributionRuns, s.isJobEnabled(JobAttributionRuns), func(ctx context.Context) error {
			return s.runJob(ctx, JobAttributionRuns, s.cfg.AttributionBatch, 10*time.Minute, s.AttributionRunsJob)
		}},
		{JobRecoverySweep, s.isJobEnabled(JobRecoverySweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobRecoverySweep, s.cfg.AttributionBatch, 10*time.Minute, s.RecoverySweepJob)
		}},
		{JobBillingSync, s.isJobEnabled(JobBillingSync), func(ctx context.Context) error {
			return s.runJob(ctx, JobBillingSync, s.cfg.BillingBatch, 5*time.Minute, s.BillingSyncJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// AttributionRunsJob drives one claimed batch of PENDING attribution jobs.
func (s *Scheduler) AttributionRunsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAttributionRuns, s.cfg.AttributionBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	jobs, err := s.FetchJobsForWork(ctx, jobdomain.JobStatusPending, s.cfg.AttributionBatch)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.claim.failed", JobAttributionRuns, 0, err)
		return err
	}
	return s.driveJobs(ctx, run, JobAttributionRuns, jobs, false)
}

func (s *Scheduler) driveJobs(ctx context.Context, run *jobRun, jobName string, jobs []WorkJob, recovery bool) error {
	var jobErr error
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		s.logJobClaimed(ctx, jobName, job)

		check := guard.EnsureJobRunnable(job.Status)
		if recovery {
			check = guard.EnsureJobStalled(job.Status, job.UpdatedAt, now, s.cfg.RecoveryThreshold)
		}
		if check != nil {
			continue
		}

		jobCtx := s.withLogContext(ctx, job.TenantID)
		result, err := s.processor.Run(jobCtx, job.ID)
		if errors.Is(err, locker.ErrLockBusy) {
			// another replica owns the tenant right now
			schedMetrics.IncJobError(jobName, err)
			continue
		}
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.job.process.failed", jobName, job.TenantID, err,
				zap.String("job_id", idString(job.ID)),
			)
			continue
		}

		run.AddProcessed(1)
		schedMetrics.AddBatchProcessed(jobName, obsmetrics.ResourceAttributionJobs, 1)
		schedMetrics.AddBatchProcessed(jobName, obsmetrics.ResourceBusinessEvents, int(result.ProcessedEvents))
		schedMetrics.AddJobEvents("hard", int(result.HardMatches))
		schedMetrics.AddJobEvents("soft", int(result.SoftMatches))
		schedMetrics.AddJobEvents("no_match", int(result.NoMatches))
		schedMetrics.AddJobEvents("error", int(result.Errors))

		action := auditdomain.ActionRunFinished
		if recovery {
			action = auditdomain.ActionRunRecovered
		}
		s.emitAuditEvent(jobCtx, auditEvent{
			TenantID:   result.TenantID,
			Action:     action,
			TargetType: "attribution_job",
			TargetID:   result.ID.String(),
			Metadata: map[string]any{
				"status":           string(result.Status),
				"processed_events": result.ProcessedEvents,
				"errors":           result.Errors,
			},
		})
	}
	return jobErr
}

// BillingSyncJob refreshes the reconciliation periods of every billed tenant.
func (s *Scheduler) BillingSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBillingSync, s.cfg.BillingBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	var (
		jobErr  error
		afterID snowflake.ID
	)
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		tenants, err := s.fetchBillingTenants(ctx, afterID, s.cfg.BillingBatch)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.billing.claim.failed", JobBillingSync, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(tenants) == 0 {
			break
		}
		afterID = tenants[len(tenants)-1]

		for _, tenantID := range tenants {
			if err := guard.EnsureBillingTenant(int64(tenantID)); err != nil {
				continue
			}
			result, err := s.reconciliation.SyncTenant(s.withLogContext(ctx, tenantID), tenantID)
			switch {
			case errors.Is(err, reconciliationdomain.ErrBillingNotConfigured):
				continue
			case errors.Is(err, locker.ErrLockBusy):
				schedMetrics.IncJobError(JobBillingSync, err)
				continue
			case err != nil:
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.billing.sync.failed", JobBillingSync, tenantID, err)
				continue
			}
			run.AddProcessed(1)
			schedMetrics.AddBatchProcessed(JobBillingSync, obsmetrics.ResourceBillingTenants, 1)
			schedMetrics.AddBatchProcessed(JobBillingSync, obsmetrics.ResourceReconciliationPeriods, result.Periods)
		}

		if len(tenants) < s.cfg.BillingBatch {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) emitAuditEvent(ctx context.Context, event auditEvent) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   event.TenantID,
		ActorType:  auditdomain.ActorTypeScheduler,
		ActorID:    "scheduler",
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Metadata:   event.Metadata,
	})
}
