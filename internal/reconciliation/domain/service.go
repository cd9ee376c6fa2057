package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrBillingNotConfigured  = errors.New("billing_not_configured")
	ErrInvalidBillingConfig  = errors.New("invalid_billing_config")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrPeriodNotFound        = errors.New("period_not_found")
	ErrPeriodExists          = errors.New("period_exists")
	ErrPeriodLocked          = errors.New("period_locked")
	ErrReviewWindowOpen      = errors.New("review_window_open")
	ErrLineItemNotFound      = errors.New("line_item_not_found")
	ErrInvalidRevenue        = errors.New("invalid_revenue")
	ErrInvalidLineItemStatus = errors.New("invalid_line_item_status")
	ErrLineItemDisputed      = errors.New("line_item_disputed")
)

type SyncResult struct {
	TenantID   snowflake.ID `json:"tenant_id"`
	Periods    int          `json:"periods"`
	Upserted   int          `json:"line_items_upserted"`
	Deleted    int          `json:"line_items_deleted"`
	AutoBilled int          `json:"auto_billed"`
}

type TransitionPeriodRequest struct {
	PeriodID snowflake.ID
	To       PeriodStatus
}

type SubmitRevenueRequest struct {
	LineItemID snowflake.ID
	Revenue    decimal.Decimal
}

type SetLineItemStatusRequest struct {
	LineItemID snowflake.ID
	Status     LineItemStatus
}

type CreatePeriodRequest struct {
	TenantID  snowflake.ID
	StartDate time.Time
	EndDate   time.Time
}

type ListPeriodsRequest struct {
	TenantID  snowflake.ID
	Status    PeriodStatus
	PageToken string
	PageSize  int32
}

type ListPeriodsResponse struct {
	Periods       []ReconciliationPeriod `json:"periods"`
	NextPageToken string                 `json:"next_page_token"`
	HasMore       bool                   `json:"has_more"`
}

type Service interface {
	SyncTenant(ctx context.Context, tenantID snowflake.ID) (SyncResult, error)
	TransitionPeriod(ctx context.Context, req TransitionPeriodRequest) (ReconciliationPeriod, error)
	SubmitRevenue(ctx context.Context, req SubmitRevenueRequest) (LineItem, error)
	SetLineItemStatus(ctx context.Context, req SetLineItemStatusRequest) (LineItem, error)
	CreateManualPeriod(ctx context.Context, req CreatePeriodRequest) (ReconciliationPeriod, error)
	ListPeriods(ctx context.Context, req ListPeriodsRequest) (ListPeriodsResponse, error)
	ListLineItems(ctx context.Context, periodID snowflake.ID) ([]LineItem, error)
	RemoveDomainPendingItems(ctx context.Context, tenantID snowflake.ID, domain string) (int, error)
	OnDomainDisputed(ctx context.Context, tenantID snowflake.ID, domain string) error
}

type Repository interface {
	GetBillingConfig(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*BillingConfig, error)
	ListBillingTenants(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)

	InsertPeriod(ctx context.Context, db *gorm.DB, period *ReconciliationPeriod) (bool, error)
	FindPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ReconciliationPeriod, error)
	FindPeriodForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ReconciliationPeriod, error)
	FindPeriodByLabel(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, label string) (*ReconciliationPeriod, error)
	ListOpenPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]ReconciliationPeriod, error)
	ListPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status PeriodStatus, afterID snowflake.ID, limit int) ([]ReconciliationPeriod, error)
	SavePeriod(ctx context.Context, db *gorm.DB, period *ReconciliationPeriod) error

	ListSignals(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, before time.Time) ([]Signal, error)

	ListLineItems(ctx context.Context, db *gorm.DB, periodID snowflake.ID) ([]LineItem, error)
	FindLineItemForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LineItem, error)
	InsertLineItems(ctx context.Context, db *gorm.DB, items []*LineItem) error
	SaveLineItem(ctx context.Context, db *gorm.DB, item *LineItem) error
	DeletePendingLineItems(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
	ListPendingItemsForDomain(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, domain string) ([]LineItem, error)
}
