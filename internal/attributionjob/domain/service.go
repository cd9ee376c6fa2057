package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidJob           = errors.New("invalid_job")
	ErrJobNotFound          = errors.New("job_not_found")
	ErrJobTerminal          = errors.New("job_terminal")
	ErrInvalidJobTransition = errors.New("invalid_job_transition")
)

// Processor drives a job through its batches until completion, failure or cancellation.
type Processor interface {
	Run(ctx context.Context, jobID snowflake.ID) (AttributionJob, error)
}

type StartRunResponse struct {
	Job     AttributionJob `json:"job"`
	Created bool           `json:"created"`
}

type Trigger interface {
	StartRun(ctx context.Context, tenantID snowflake.ID) (StartRunResponse, error)
	Cancel(ctx context.Context, jobID snowflake.ID) (AttributionJob, error)
	Get(ctx context.Context, jobID snowflake.ID) (AttributionJob, error)
	ListFailures(ctx context.Context, jobID snowflake.ID) ([]AttributionJobFailure, error)
	PendingEvents(ctx context.Context, tenantID snowflake.ID) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *AttributionJob) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AttributionJob, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AttributionJob, error)
	FindActiveByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*AttributionJob, error)
	FindLatestByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*AttributionJob, error)
	SaveProgress(ctx context.Context, db *gorm.DB, job *AttributionJob) error
	RequestCancel(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	IsCancelRequested(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	ListFailures(ctx context.Context, db *gorm.DB, jobID snowflake.ID) ([]AttributionJobFailure, error)
}
