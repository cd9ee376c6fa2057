package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// AttributionJob is one resumable pass over a tenant's business events.
type AttributionJob struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	Status          JobStatus    `gorm:"type:text;not null;index" json:"status"`
	Cursor          snowflake.ID `gorm:"column:event_cursor;not null;default:0" json:"cursor"`
	TotalEvents     int64        `gorm:"not null;default:0" json:"total_events"`
	ProcessedEvents int64        `gorm:"not null;default:0" json:"processed_events"`
	HardMatches     int64        `gorm:"not null;default:0" json:"hard_matches"`
	SoftMatches     int64        `gorm:"not null;default:0" json:"soft_matches"`
	NoMatches       int64        `gorm:"not null;default:0" json:"no_matches"`
	Errors          int64        `gorm:"not null;default:0" json:"errors"`
	CancelRequested bool         `gorm:"not null;default:false" json:"cancel_requested"`
	LastError       *string      `gorm:"type:text" json:"last_error,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (AttributionJob) TableName() string { return "attribution_jobs" }

// Progress returns processed/total in [0, 1]; 1 once the job completed.
func (j AttributionJob) Progress() float64 {
	if j.Status == JobStatusCompleted {
		return 1
	}
	if j.TotalEvents <= 0 {
		return 0
	}
	p := float64(j.ProcessedEvents) / float64(j.TotalEvents)
	if p > 1 {
		return 1
	}
	return p
}

// AttributionJobFailure records one event that could not be matched or recorded.
type AttributionJobFailure struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	JobID     snowflake.ID `gorm:"not null;index" json:"job_id"`
	TenantID  snowflake.ID `gorm:"not null" json:"tenant_id"`
	EventID   snowflake.ID `gorm:"not null" json:"event_id"`
	Error     string       `gorm:"type:text;not null" json:"error"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (AttributionJobFailure) TableName() string { return "attribution_job_failures" }

// CanTransition reports whether a job may move from current to target.
func CanTransition(current, target JobStatus) bool {
	switch current {
	case JobStatusPending:
		return target == JobStatusRunning || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed || target == JobStatusCancelled
	default:
		return false
	}
}
