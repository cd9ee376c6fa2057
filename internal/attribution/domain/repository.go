package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FetchEventsAfter(ctx context.Context, db *gorm.DB, tenantID, cursor snowflake.ID, limit int) ([]BusinessEvent, error)
	CountEventsAfter(ctx context.Context, db *gorm.DB, tenantID, cursor snowflake.ID) (int64, error)

	EarliestEmailTo(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, email string, at time.Time) (*OutboundEmail, error)
	EarliestEmailToDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string, at time.Time) (*OutboundEmail, error)

	GetSettings(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*AttributionSettings, error)

	InsertAudit(ctx context.Context, db *gorm.DB, audit *MatchAudit) (bool, error)
	FindAudit(ctx context.Context, db *gorm.DB, sourceEventID snowflake.ID) (*MatchAudit, error)

	FindDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*AttributedDomain, error)
	FindDomainForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*AttributedDomain, error)
	InsertDomain(ctx context.Context, db *gorm.DB, domain *AttributedDomain) (bool, error)
	SaveDomain(ctx context.Context, db *gorm.DB, domain *AttributedDomain) error
	ListDomains(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status DomainStatus, afterID snowflake.ID, limit int) ([]AttributedDomain, error)

	AppendDomainEvent(ctx context.Context, db *gorm.DB, event *DomainEvent) (bool, error)
	ListDomainEvents(ctx context.Context, db *gorm.DB, tenantID, domainID snowflake.ID) ([]DomainEvent, error)
}
