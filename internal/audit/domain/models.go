package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeOperator  ActorType = "operator"
	ActorTypeScheduler ActorType = "scheduler"
)

// Actions written by the attribution and reconciliation workflows.
const (
	ActionDomainDisputeRequested = "attributed_domain.dispute_requested"
	ActionDomainDisputeApproved  = "attributed_domain.dispute_approved"
	ActionDomainDisputeRejected  = "attributed_domain.dispute_rejected"
	ActionDomainPromoted         = "attributed_domain.promoted"
	ActionDomainMarkedManual     = "attributed_domain.marked_manual"
	ActionRunStarted             = "attribution_run.started"
	ActionRunCancelRequested     = "attribution_run.cancel_requested"
	ActionRunFinished            = "attribution_run.finished"
	ActionRunRecovered           = "attribution_run.recovered"
	ActionPeriodTransitioned     = "reconciliation_period.transitioned"
	ActionPeriodAutoBilled       = "reconciliation_period.auto_billed"
	ActionPeriodCreated          = "reconciliation_period.created"
	ActionRevenueSubmitted       = "line_item.revenue_submitted"
	ActionLineItemStatusChanged  = "line_item.status_changed"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID   *snowflake.ID     `gorm:"index" json:"tenant_id,omitempty"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index" json:"action"`
	TargetType string            `gorm:"type:text;not null" json:"target_type"`
	TargetID   *string           `gorm:"type:text" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	TenantID   snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	BeforeID   snowflake.ID
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
