package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/locker"
	"github.com/smallbiznis/attribution/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const triggerLockTTL = 30 * time.Second

type TriggerParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      jobdomain.Repository
	EventRepo attributiondomain.Repository
	Locker    locker.Locker
	AuditSvc  auditdomain.Service
}

type Trigger struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      jobdomain.Repository
	eventRepo attributiondomain.Repository
	locker    locker.Locker
	auditSvc  auditdomain.Service
}

func NewTrigger(p TriggerParams) jobdomain.Trigger {
	return &Trigger{
		db:        p.DB,
		log:       p.Log.Named("attributionjob.trigger"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		eventRepo: p.EventRepo,
		locker:    p.Locker,
		auditSvc:  p.AuditSvc,
	}
}

// StartRun returns the tenant's active job when there is one; otherwise it
// queues a PENDING job that resumes from the cursor of the tenant's last job.
func (t *Trigger) StartRun(ctx context.Context, tenantID snowflake.ID) (jobdomain.StartRunResponse, error) {
	if tenantID == 0 {
		return jobdomain.StartRunResponse{}, jobdomain.ErrInvalidTenant
	}

	var resp jobdomain.StartRunResponse
	err := locker.WithLock(ctx, t.locker, locker.AttributionTriggerKey(tenantID.String()), triggerLockTTL, func(ctx context.Context) error {
		active, err := t.repo.FindActiveByTenant(ctx, t.db, tenantID)
		if err != nil {
			return err
		}
		if active != nil {
			resp = jobdomain.StartRunResponse{Job: *active}
			return nil
		}

		cursor, err := t.resumeCursor(ctx, tenantID)
		if err != nil {
			return err
		}
		total, err := t.eventRepo.CountEventsAfter(ctx, t.db, tenantID, cursor)
		if err != nil {
			return err
		}

		now := t.clock.Now().UTC()
		job := jobdomain.AttributionJob{
			ID:          t.genID.Generate(),
			TenantID:    tenantID,
			Status:      jobdomain.JobStatusPending,
			Cursor:      cursor,
			TotalEvents: total,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := t.repo.Insert(ctx, t.db, &job); err != nil {
			return err
		}
		resp = jobdomain.StartRunResponse{Job: job, Created: true}
		return nil
	})
	if err != nil {
		return jobdomain.StartRunResponse{}, err
	}

	if resp.Created {
		jobID := resp.Job.ID.String()
		_ = t.auditSvc.Record(ctx, auditdomain.Entry{
			TenantID:   tenantID,
			Action:     auditdomain.ActionRunStarted,
			TargetType: "attribution_job",
			TargetID:   jobID,
			Metadata: map[string]any{
				"cursor":       resp.Job.Cursor.String(),
				"total_events": resp.Job.TotalEvents,
			},
		})
		logger.WithContext(ctx, t.log).Info("attribution run queued",
			zap.String("job_id", jobID),
			zap.Int64("total_events", resp.Job.TotalEvents),
		)
	}
	return resp, nil
}

// Cancel stops a job at its next batch boundary. A job that has not started is
// cancelled immediately.
func (t *Trigger) Cancel(ctx context.Context, jobID snowflake.ID) (jobdomain.AttributionJob, error) {
	if jobID == 0 {
		return jobdomain.AttributionJob{}, jobdomain.ErrInvalidJob
	}

	var out jobdomain.AttributionJob
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := t.repo.FindByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}
		if job.Status.Terminal() {
			out = *job
			return jobdomain.ErrJobTerminal
		}
		if _, err := t.repo.RequestCancel(ctx, tx, job.ID); err != nil {
			return err
		}
		job.CancelRequested = true
		if job.Status == jobdomain.JobStatusPending {
			now := t.clock.Now().UTC()
			job.Status = jobdomain.JobStatusCancelled
			job.CompletedAt = &now
			job.UpdatedAt = now
			if err := t.repo.SaveProgress(ctx, tx, job); err != nil {
				return err
			}
		}
		out = *job
		return nil
	})
	if err != nil {
		return out, err
	}

	_ = t.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   out.TenantID,
		Action:     auditdomain.ActionRunCancelRequested,
		TargetType: "attribution_job",
		TargetID:   out.ID.String(),
		Metadata:   map[string]any{"status": string(out.Status)},
	})
	return out, nil
}

func (t *Trigger) Get(ctx context.Context, jobID snowflake.ID) (jobdomain.AttributionJob, error) {
	if jobID == 0 {
		return jobdomain.AttributionJob{}, jobdomain.ErrInvalidJob
	}
	job, err := t.repo.FindByID(ctx, t.db, jobID)
	if err != nil {
		return jobdomain.AttributionJob{}, err
	}
	if job == nil {
		return jobdomain.AttributionJob{}, jobdomain.ErrJobNotFound
	}
	return *job, nil
}

func (t *Trigger) ListFailures(ctx context.Context, jobID snowflake.ID) ([]jobdomain.AttributionJobFailure, error) {
	if _, err := t.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return t.repo.ListFailures(ctx, t.db, jobID)
}

// PendingEvents counts events past the tenant's last persisted cursor.
func (t *Trigger) PendingEvents(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if tenantID == 0 {
		return 0, jobdomain.ErrInvalidTenant
	}
	cursor, err := t.resumeCursor(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return t.eventRepo.CountEventsAfter(ctx, t.db, tenantID, cursor)
}

func (t *Trigger) resumeCursor(ctx context.Context, tenantID snowflake.ID) (snowflake.ID, error) {
	latest, err := t.repo.FindLatestByTenant(ctx, t.db, tenantID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.Cursor, nil
}
