package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() attributiondomain.Repository {
	return &repo{}
}

func (r *repo) FetchEventsAfter(ctx context.Context, db *gorm.DB, tenantID, cursor snowflake.ID, limit int) ([]attributiondomain.BusinessEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var events []attributiondomain.BusinessEvent
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id > ?", tenantID, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) CountEventsAfter(ctx context.Context, db *gorm.DB, tenantID, cursor snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&attributiondomain.BusinessEvent{}).
		Where("tenant_id = ? AND id > ?", tenantID, cursor).
		Count(&count).Error
	return count, err
}

func (r *repo) EarliestEmailTo(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, email string, at time.Time) (*attributiondomain.OutboundEmail, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return r.earliestEmail(ctx, db, "tenant_id = ? AND recipient_email = ? AND sent_at <= ?", tenantID, email, at.UTC())
}

func (r *repo) EarliestEmailToDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string, at time.Time) (*attributiondomain.OutboundEmail, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, nil
	}
	return r.earliestEmail(ctx, db, "tenant_id = ? AND recipient_domain = ? AND sent_at <= ?", tenantID, domain, at.UTC())
}

func (r *repo) earliestEmail(ctx context.Context, db *gorm.DB, query string, args ...any) (*attributiondomain.OutboundEmail, error) {
	var emails []attributiondomain.OutboundEmail
	err := db.WithContext(ctx).
		Where(query, args...).
		Order("sent_at ASC").
		Order("id ASC").
		Limit(1).
		Find(&emails).Error
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, nil
	}
	return &emails[0], nil
}

func (r *repo) GetSettings(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*attributiondomain.AttributionSettings, error) {
	var settings attributiondomain.AttributionSettings
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// InsertAudit reports false when an audit record already exists for the source event.
func (r *repo) InsertAudit(ctx context.Context, db *gorm.DB, audit *attributiondomain.MatchAudit) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_event_id"}}, DoNothing: true}).
		Create(audit)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAudit(ctx context.Context, db *gorm.DB, sourceEventID snowflake.ID) (*attributiondomain.MatchAudit, error) {
	var audit attributiondomain.MatchAudit
	err := db.WithContext(ctx).Where("source_event_id = ?", sourceEventID).Take(&audit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &audit, nil
}

func (r *repo) FindDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*attributiondomain.AttributedDomain, error) {
	return r.findDomain(ctx, db.WithContext(ctx), tenantID, domain)
}

func (r *repo) FindDomainForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*attributiondomain.AttributedDomain, error) {
	return r.findDomain(ctx, db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tenantID, domain)
}

func (r *repo) findDomain(_ context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) (*attributiondomain.AttributedDomain, error) {
	var record attributiondomain.AttributedDomain
	err := db.Where("tenant_id = ? AND domain = ?", tenantID, domain).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertDomain reports false when another writer created the (tenant, domain) row first.
func (r *repo) InsertDomain(ctx context.Context, db *gorm.DB, domain *attributiondomain.AttributedDomain) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "domain"}},
			DoNothing: true,
		}).
		Create(domain)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SaveDomain(ctx context.Context, db *gorm.DB, domain *attributiondomain.AttributedDomain) error {
	return db.WithContext(ctx).
		Model(&attributiondomain.AttributedDomain{}).
		Where("id = ?", domain.ID).
		Updates(map[string]any{
			"has_sign_up":              domain.HasSignUp,
			"has_meeting_booked":       domain.HasMeetingBooked,
			"has_paying_customer":      domain.HasPayingCustomer,
			"has_positive_reply":       domain.HasPositiveReply,
			"first_event_at":           domain.FirstEventAt,
			"last_event_at":            domain.LastEventAt,
			"first_sign_up_at":         domain.FirstSignUpAt,
			"first_meeting_booked_at":  domain.FirstMeetingBookedAt,
			"first_paying_customer_at": domain.FirstPayingCustomerAt,
			"first_positive_reply_at":  domain.FirstPositiveReplyAt,
			"match_type":               domain.MatchType,
			"status":                   domain.Status,
			"dispute_reason":           domain.DisputeReason,
			"dispute_requested_at":     domain.DisputeRequestedAt,
			"dispute_resolved_at":      domain.DisputeResolvedAt,
			"updated_at":               domain.UpdatedAt,
		}).Error
}

func (r *repo) ListDomains(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status attributiondomain.DomainStatus, afterID snowflake.ID, limit int) ([]attributiondomain.AttributedDomain, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if afterID != 0 {
		query = query.Where("id > ?", afterID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var domains []attributiondomain.AttributedDomain
	if err := query.Order("id ASC").Find(&domains).Error; err != nil {
		return nil, err
	}
	return domains, nil
}

// AppendDomainEvent reports false when the source event already has a timeline entry.
func (r *repo) AppendDomainEvent(ctx context.Context, db *gorm.DB, event *attributiondomain.DomainEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_event_id"}}, DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListDomainEvents(ctx context.Context, db *gorm.DB, tenantID, domainID snowflake.ID) ([]attributiondomain.DomainEvent, error) {
	var events []attributiondomain.DomainEvent
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND attributed_domain_id = ?", tenantID, domainID).
		Order("occurred_at ASC").
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
