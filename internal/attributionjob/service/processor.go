package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/locker"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/smallbiznis/attribution/internal/observability/logger"
	"github.com/smallbiznis/attribution/internal/observer"
	"github.com/smallbiznis/attribution/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProcessorParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      jobdomain.Repository
	EventRepo attributiondomain.Repository
	Matcher   attributiondomain.Matcher
	Recorder  attributiondomain.Recorder
	Locker    locker.Locker
	Engine    *config.EngineConfigHolder
	Observer  observer.Observer `optional:"true"`
}

type Processor struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      jobdomain.Repository
	eventRepo attributiondomain.Repository
	matcher   attributiondomain.Matcher
	recorder  attributiondomain.Recorder
	locker    locker.Locker
	engine    *config.EngineConfigHolder
	observer  observer.Observer
	tracer    trace.Tracer
}

func NewProcessor(p ProcessorParams) jobdomain.Processor {
	return &Processor{
		db:        p.DB,
		log:       p.Log.Named("attributionjob.processor"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		eventRepo: p.EventRepo,
		matcher:   p.Matcher,
		recorder:  p.Recorder,
		locker:    p.Locker,
		engine:    p.Engine,
		observer:  observer.OrNop(p.Observer),
		tracer:    otel.Tracer("attribution/job"),
	}
}

// batchTally is the per-batch delta folded into the job counters on persist.
type batchTally struct {
	processed int
	hard      int
	soft      int
	noMatch   int
	failures  []*jobdomain.AttributionJobFailure
}

// Run advances the job batch by batch from its persisted cursor. A RUNNING job is
// resumed; a terminal job is returned untouched with ErrJobTerminal.
func (p *Processor) Run(ctx context.Context, jobID snowflake.ID) (jobdomain.AttributionJob, error) {
	if jobID == 0 {
		return jobdomain.AttributionJob{}, jobdomain.ErrInvalidJob
	}
	job, err := p.repo.FindByID(ctx, p.db, jobID)
	if err != nil {
		return jobdomain.AttributionJob{}, err
	}
	if job == nil {
		return jobdomain.AttributionJob{}, jobdomain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return *job, jobdomain.ErrJobTerminal
	}

	ctx = obscontext.WithTenantID(ctx, job.TenantID.String())
	ctx = obscontext.WithJobID(ctx, job.ID.String())
	cfg := p.engine.Get()

	var result jobdomain.AttributionJob
	err = locker.WithLease(ctx, p.locker, locker.AttributionRunKey(job.TenantID.String()), cfg.RunLockTTL, func(ctx context.Context, lease *locker.Lease) error {
		var runErr error
		result, runErr = p.run(ctx, jobID, cfg, lease)
		return runErr
	})
	if err != nil && result.ID == 0 {
		result = *job
	}
	return result, err
}

func (p *Processor) run(ctx context.Context, jobID snowflake.ID, cfg config.EngineConfig, lease *locker.Lease) (jobdomain.AttributionJob, error) {
	// reload under the lock; another worker may have finished it meanwhile
	loaded, err := p.repo.FindByID(ctx, p.db, jobID)
	if err != nil {
		return jobdomain.AttributionJob{}, err
	}
	if loaded == nil {
		return jobdomain.AttributionJob{}, jobdomain.ErrJobNotFound
	}
	job := *loaded
	if job.Status.Terminal() {
		return job, jobdomain.ErrJobTerminal
	}

	log := logger.WithContext(ctx, p.log)

	if job.Status == jobdomain.JobStatusPending {
		total, err := p.eventRepo.CountEventsAfter(ctx, p.db, job.TenantID, job.Cursor)
		if err != nil {
			return p.fail(ctx, job, err)
		}
		now := p.clock.Now().UTC()
		job.Status = jobdomain.JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		job.TotalEvents = total
		if err := p.repo.SaveProgress(ctx, p.db, &job); err != nil {
			return p.fail(ctx, job, err)
		}
		log.Info("attribution run started", zap.Int64("total_events", total), zap.String("cursor", job.Cursor.String()))
	}

	for {
		if err := ctx.Err(); err != nil {
			return job, err
		}

		cancelled, err := p.repo.IsCancelRequested(ctx, p.db, job.ID)
		if err != nil {
			return p.fail(ctx, job, err)
		}
		if cancelled {
			return p.finish(ctx, job, jobdomain.JobStatusCancelled)
		}

		done, err := p.processBatch(ctx, &job, cfg.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return job, err
			}
			return p.fail(ctx, job, err)
		}
		if done {
			log.Info("attribution run completed",
				zap.Int64("processed", job.ProcessedEvents),
				zap.Int64("errors", job.Errors),
			)
			return p.finish(ctx, job, jobdomain.JobStatusCompleted)
		}

		// the job stays RUNNING when the lease is gone; the recovery sweep resumes it
		if err := lease.Renew(ctx); err != nil {
			log.Warn("attribution run lost its lock", zap.String("cursor", job.Cursor.String()), zap.Error(err))
			return job, err
		}

		if cfg.BatchDelay > 0 {
			timer := time.NewTimer(cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return job, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// processBatch handles one fetch. It reports done when the fetch was empty.
// The job is only mutated after the batch is durably persisted.
func (p *Processor) processBatch(ctx context.Context, job *jobdomain.AttributionJob, batchSize int) (bool, error) {
	started := p.clock.Now()
	ctx, span := p.tracer.Start(ctx, "attribution.batch", trace.WithAttributes(
		attribute.String("job_id", job.ID.String()),
		attribute.Int("batch_size", batchSize),
	))
	defer span.End()

	events, err := p.eventRepo.FetchEventsAfter(ctx, p.db, job.TenantID, job.Cursor, batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch events")
		return false, fmt.Errorf("fetch events after %s: %w", job.Cursor, err)
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	if len(events) == 0 {
		return true, nil
	}

	tally := batchTally{}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		kind, err := p.processEvent(ctx, event)
		tally.processed++
		if err != nil {
			p.observer.EventFailed(ctx, observer.EventFailed{
				TenantID: job.TenantID,
				JobID:    job.ID,
				EventID:  event.ID,
				Err:      err,
			})
			tally.failures = append(tally.failures, &jobdomain.AttributionJobFailure{
				ID:        p.genID.Generate(),
				JobID:     job.ID,
				TenantID:  job.TenantID,
				EventID:   event.ID,
				Error:     err.Error(),
				CreatedAt: p.clock.Now().UTC(),
			})
			continue
		}
		switch kind {
		case attributiondomain.MatchKindHard:
			tally.hard++
		case attributiondomain.MatchKindSoft:
			tally.soft++
		default:
			tally.noMatch++
		}
	}

	next := *job
	next.Cursor = events[len(events)-1].ID
	next.ProcessedEvents += int64(tally.processed)
	next.HardMatches += int64(tally.hard)
	next.SoftMatches += int64(tally.soft)
	next.NoMatches += int64(tally.noMatch)
	next.Errors += int64(len(tally.failures))
	next.UpdatedAt = p.clock.Now().UTC()

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.repo.SaveProgress(ctx, tx, &next); err != nil {
			return err
		}
		return repository.ProvideStore[jobdomain.AttributionJobFailure](tx).BatchCreate(ctx, tally.failures)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist batch")
		return false, fmt.Errorf("persist batch: %w", err)
	}
	*job = next

	p.observer.BatchPersisted(ctx, observer.BatchPersisted{
		TenantID:  job.TenantID,
		JobID:     job.ID,
		Cursor:    job.Cursor,
		Processed: tally.processed,
		Hard:      tally.hard,
		Soft:      tally.soft,
		NoMatch:   tally.noMatch,
		Errors:    len(tally.failures),
		Duration:  p.clock.Now().Sub(started),
	})
	return false, nil
}

func (p *Processor) processEvent(ctx context.Context, event attributiondomain.BusinessEvent) (attributiondomain.MatchKind, error) {
	result, err := p.matcher.Match(ctx, event)
	if err != nil {
		return "", err
	}
	if _, err := p.recorder.Record(ctx, event, result); err != nil {
		return "", err
	}
	return result.Kind, nil
}

func (p *Processor) finish(ctx context.Context, job jobdomain.AttributionJob, status jobdomain.JobStatus) (jobdomain.AttributionJob, error) {
	if !jobdomain.CanTransition(job.Status, status) {
		return job, jobdomain.ErrInvalidJobTransition
	}
	now := p.clock.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := p.repo.SaveProgress(ctx, p.db, &job); err != nil {
		return job, err
	}
	return job, nil
}

// fail marks the job FAILED; the cursor stays at the last persisted batch.
func (p *Processor) fail(ctx context.Context, job jobdomain.AttributionJob, cause error) (jobdomain.AttributionJob, error) {
	message := cause.Error()
	now := p.clock.Now().UTC()
	job.Status = jobdomain.JobStatusFailed
	job.LastError = &message
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := p.repo.SaveProgress(context.WithoutCancel(ctx), p.db, &job); err != nil {
		return job, errors.Join(cause, err)
	}
	logger.WithContext(ctx, p.log).Error("attribution run failed",
		zap.String("cursor", job.Cursor.String()),
		zap.Error(cause),
	)
	return job, cause
}
