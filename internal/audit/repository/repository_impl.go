package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/pkg/db/option"
	store "github.com/smallbiznis/attribution/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is a no-op when a row with the same id was already written.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	limit := 0
	if filter.Limit > 0 {
		limit = filter.Limit + 1
	}
	return store.ProvideStore[domain.AuditLog](db).Find(ctx, nil,
		option.WithScope(byTenant(filter)),
		option.WithScope(byText(filter)),
		option.WithScope(byWindow(filter)),
		option.WithOrder("id desc"), // snowflake ids sort by creation time
		option.WithLimit(limit),
	)
}

func byTenant(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", filter.TenantID)
	}
}

func byText(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		for column, value := range map[string]string{
			"action":      filter.Action,
			"target_type": filter.TargetType,
			"target_id":   filter.TargetID,
			"actor_type":  filter.ActorType,
		} {
			if value = strings.TrimSpace(value); value != "" {
				db = db.Where(column+" = ?", value)
			}
		}
		return db
	}
}

func byWindow(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if filter.StartAt != nil {
			db = db.Where("created_at >= ?", filter.StartAt.UTC())
		}
		if filter.EndAt != nil {
			db = db.Where("created_at <= ?", filter.EndAt.UTC())
		}
		if filter.BeforeID != 0 {
			db = db.Where("id < ?", filter.BeforeID)
		}
		return db
	}
}
