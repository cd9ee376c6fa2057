// Package testing moves scheduler-visible state in time for tests and local runs.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"gorm.io/gorm"
)

// TimeAccelerator ages attribution jobs so recovery paths can be exercised.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	return &TimeAccelerator{db: db, clock: clk}
}

// StallJob makes a RUNNING job look idle for the given duration.
func (ta *TimeAccelerator) StallJob(ctx context.Context, jobID snowflake.ID, idle time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE attribution_jobs
		 SET updated_at = ?
		 WHERE id = ? AND status = ?`,
		ta.clock.Now().Add(-idle),
		jobID,
		jobdomain.JobStatusRunning,
	).Error
}

// ForceRunning puts a job into RUNNING as if a worker died mid-run.
func (ta *TimeAccelerator) ForceRunning(ctx context.Context, jobID snowflake.ID) error {
	now := ta.clock.Now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE attribution_jobs
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ?`,
		jobdomain.JobStatusRunning,
		now,
		now,
		jobID,
	).Error
}

// JobInfo shows job state for debugging.
type JobInfo struct {
	ID        snowflake.ID
	Status    jobdomain.JobStatus
	Cursor    snowflake.ID
	UpdatedAt time.Time
	IdleFor   time.Duration
}

func (ta *TimeAccelerator) GetJobInfo(ctx context.Context, jobID snowflake.ID) (*JobInfo, error) {
	var job struct {
		ID          snowflake.ID
		Status      jobdomain.JobStatus
		EventCursor snowflake.ID
		UpdatedAt   time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, status, event_cursor, updated_at
		 FROM attribution_jobs
		 WHERE id = ?`,
		jobID,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &JobInfo{
		ID:        job.ID,
		Status:    job.Status,
		Cursor:    job.EventCursor,
		UpdatedAt: job.UpdatedAt,
		IdleFor:   ta.clock.Now().Sub(job.UpdatedAt),
	}, nil
}
