package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	"github.com/smallbiznis/attribution/pkg/db/option"
	store "github.com/smallbiznis/attribution/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() jobdomain.Repository {
	return &repo{}
}

func jobs(db *gorm.DB) store.Repository[jobdomain.AttributionJob] {
	return store.ProvideStore[jobdomain.AttributionJob](db)
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *jobdomain.AttributionJob) error {
	return jobs(db).Create(ctx, job)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobdomain.AttributionJob, error) {
	return jobs(db).FindOne(ctx, nil, option.WithWhere("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*jobdomain.AttributionJob, error) {
	return jobs(db).FindOne(ctx, nil, option.WithWhere("id = ?", id), option.ForUpdate())
}

func (r *repo) FindActiveByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*jobdomain.AttributionJob, error) {
	return jobs(db).FindOne(ctx, nil,
		option.WithWhere("tenant_id = ? AND status IN ?", tenantID, []jobdomain.JobStatus{jobdomain.JobStatusPending, jobdomain.JobStatusRunning}),
		option.WithOrder("id DESC"),
	)
}

func (r *repo) FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*jobdomain.AttributionJob, error) {
	return jobs(db).FindOne(ctx, nil, option.WithWhere("tenant_id = ?", tenantID), option.WithOrder("id DESC"))
}

// SaveProgress writes status, cursor and counters. cancel_requested is owned by RequestCancel.
func (r *repo) SaveProgress(ctx context.Context, db *gorm.DB, job *jobdomain.AttributionJob) error {
	return db.WithContext(ctx).Exec(
		`UPDATE attribution_jobs
		 SET status = ?, event_cursor = ?, total_events = ?, processed_events = ?,
		     hard_matches = ?, soft_matches = ?, no_matches = ?, errors = ?,
		     last_error = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		job.Status,
		job.Cursor,
		job.TotalEvents,
		job.ProcessedEvents,
		job.HardMatches,
		job.SoftMatches,
		job.NoMatches,
		job.Errors,
		job.LastError,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	).Error
}

func (r *repo) RequestCancel(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE attribution_jobs SET cancel_requested = ? WHERE id = ? AND status IN (?, ?)`,
		true,
		id,
		jobdomain.JobStatusPending,
		jobdomain.JobStatusRunning,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) IsCancelRequested(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	var flags []bool
	err := db.WithContext(ctx).
		Model(&jobdomain.AttributionJob{}).
		Where("id = ?", id).
		Pluck("cancel_requested", &flags).Error
	if err != nil {
		return false, err
	}
	return len(flags) > 0 && flags[0], nil
}

func (r *repo) ListFailures(ctx context.Context, db *gorm.DB, jobID snowflake.ID) ([]jobdomain.AttributionJobFailure, error) {
	rows, err := store.ProvideStore[jobdomain.AttributionJobFailure](db).
		Find(ctx, nil, option.WithWhere("job_id = ?", jobID), option.WithOrder("id ASC"))
	if err != nil {
		return nil, err
	}
	failures := make([]jobdomain.AttributionJobFailure, 0, len(rows))
	for _, row := range rows {
		failures = append(failures, *row)
	}
	return failures, nil
}
