package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() reconciliationdomain.Repository {
	return &repo{}
}

func (r *repo) GetBillingConfig(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*reconciliationdomain.BillingConfig, error) {
	var cfg reconciliationdomain.BillingConfig
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) ListBillingTenants(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&reconciliationdomain.BillingConfig{}).
		Where("tenant_id > ?", afterID).
		Order("tenant_id ASC").
		Limit(limit).
		Pluck("tenant_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertPeriod reports false when the (tenant, label) pair already exists.
func (r *repo) InsertPeriod(ctx context.Context, db *gorm.DB, period *reconciliationdomain.ReconciliationPeriod) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "label"}},
			DoNothing: true,
		}).
		Create(period)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*reconciliationdomain.ReconciliationPeriod, error) {
	return firstPeriod(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindPeriodForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*reconciliationdomain.ReconciliationPeriod, error) {
	return firstPeriod(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *repo) FindPeriodByLabel(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, label string) (*reconciliationdomain.ReconciliationPeriod, error) {
	return firstPeriod(db.WithContext(ctx).Where("tenant_id = ? AND label = ?", tenantID, label))
}

func (r *repo) ListOpenPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]reconciliationdomain.ReconciliationPeriod, error) {
	var periods []reconciliationdomain.ReconciliationPeriod
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status NOT IN ?", tenantID, []reconciliationdomain.PeriodStatus{
			reconciliationdomain.PeriodStatusFinalized,
			reconciliationdomain.PeriodStatusAutoBilled,
		}).
		Order("start_date ASC").
		Order("id ASC").
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) ListPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status reconciliationdomain.PeriodStatus, afterID snowflake.ID, limit int) ([]reconciliationdomain.ReconciliationPeriod, error) {
	stmt := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if afterID != 0 {
		stmt = stmt.Where("id > ?", afterID)
	}
	var periods []reconciliationdomain.ReconciliationPeriod
	if err := stmt.Order("id ASC").Limit(limit).Find(&periods).Error; err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) SavePeriod(ctx context.Context, db *gorm.DB, period *reconciliationdomain.ReconciliationPeriod) error {
	return db.WithContext(ctx).
		Model(&reconciliationdomain.ReconciliationPeriod{}).
		Where("id = ?", period.ID).
		Updates(map[string]any{
			"status":            period.Status,
			"paying_customers":  period.PayingCustomers,
			"signups":           period.Signups,
			"meetings":          period.Meetings,
			"custom_events":     period.CustomEvents,
			"revenue_submitted": period.RevenueSubmitted,
			"amount_owed":       period.AmountOwed,
			"estimated_amount":  period.EstimatedAmount,
			"auto_billed_at":    period.AutoBilledAt,
			"updated_at":        period.UpdatedAt,
		}).Error
}

// ListSignals returns timeline entries that occurred before the given instant,
// joined with the current status of their attributed domain.
func (r *repo) ListSignals(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, before time.Time) ([]reconciliationdomain.Signal, error) {
	var rows []struct {
		AttributedDomainID snowflake.ID
		Domain             string
		DomainStatus       attributiondomain.DomainStatus
		Kind               attributiondomain.EventKind
		OccurredAt         time.Time
	}
	err := db.WithContext(ctx).Raw(
		`SELECT de.attributed_domain_id, ad.domain, ad.status AS domain_status,
		        de.event_kind AS kind, de.occurred_at
		 FROM domain_events de
		 JOIN attributed_domains ad ON ad.id = de.attributed_domain_id
		 WHERE de.tenant_id = ? AND de.occurred_at < ?
		 ORDER BY de.occurred_at ASC, de.id ASC`,
		tenantID,
		before.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	signals := make([]reconciliationdomain.Signal, 0, len(rows))
	for _, row := range rows {
		signals = append(signals, reconciliationdomain.Signal{
			AttributedDomainID: row.AttributedDomainID,
			Domain:             row.Domain,
			DomainStatus:       row.DomainStatus,
			Kind:               row.Kind,
			OccurredAt:         row.OccurredAt.UTC(),
		})
	}
	return signals, nil
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, periodID snowflake.ID) ([]reconciliationdomain.LineItem, error) {
	var items []reconciliationdomain.LineItem
	err := db.WithContext(ctx).Where("period_id = ?", periodID).Order("domain ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindLineItemForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*reconciliationdomain.LineItem, error) {
	var item reconciliationdomain.LineItem
	err := db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) InsertLineItems(ctx context.Context, db *gorm.DB, items []*reconciliationdomain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period_id"}, {Name: "domain"}},
			DoNothing: true,
		}).
		Create(items).Error
}

func (r *repo) SaveLineItem(ctx context.Context, db *gorm.DB, item *reconciliationdomain.LineItem) error {
	return db.WithContext(ctx).
		Model(&reconciliationdomain.LineItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"signup_count":         item.SignupCount,
			"meeting_count":        item.MeetingCount,
			"custom_event_count":   item.CustomEventCount,
			"has_paying_customer":  item.HasPayingCustomer,
			"paying_customer_date": item.PayingCustomerDate,
			"motion_type":          item.MotionType,
			"applied_rate":         item.AppliedRate,
			"revshare_amount":      item.RevshareAmount,
			"signup_fee":           item.SignupFee,
			"meeting_fee":          item.MeetingFee,
			"custom_event_fee":     item.CustomEventFee,
			"revenue_submitted":    item.RevenueSubmitted,
			"amount_owed":          item.AmountOwed,
			"status":               item.Status,
			"updated_at":           item.UpdatedAt,
		}).Error
}

// DeletePendingLineItems removes only items still PENDING; others are kept.
func (r *repo) DeletePendingLineItems(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Where("id IN ? AND status = ?", ids, reconciliationdomain.LineItemStatusPending).
		Delete(&reconciliationdomain.LineItem{})
	return result.RowsAffected, result.Error
}

func (r *repo) ListPendingItemsForDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) ([]reconciliationdomain.LineItem, error) {
	var items []reconciliationdomain.LineItem
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND domain = ? AND status = ?", tenantID, domain, reconciliationdomain.LineItemStatusPending).
		Where("period_id IN (?)", db.Model(&reconciliationdomain.ReconciliationPeriod{}).
			Select("id").
			Where("tenant_id = ? AND status NOT IN ?", tenantID, []reconciliationdomain.PeriodStatus{
				reconciliationdomain.PeriodStatusFinalized,
				reconciliationdomain.PeriodStatusAutoBilled,
			})).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func firstPeriod(stmt *gorm.DB) (*reconciliationdomain.ReconciliationPeriod, error) {
	var period reconciliationdomain.ReconciliationPeriod
	err := stmt.Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}
