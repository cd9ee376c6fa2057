package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
)

type Cadence string

const (
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	Cadence28Day     Cadence = "28_day"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceMonthly, CadenceQuarterly, Cadence28Day:
		return true
	default:
		return false
	}
}

type BillingModelKind string

const (
	BillingModelFlatRevshare  BillingModelKind = "flat_revshare"
	BillingModelPLGSalesSplit BillingModelKind = "plg_sales_split"
)

// PeriodStatus is the review lifecycle of a reconciliation period.
type PeriodStatus string

const (
	PeriodStatusDraft           PeriodStatus = "DRAFT"
	PeriodStatusPendingClient   PeriodStatus = "PENDING_CLIENT"
	PeriodStatusClientSubmitted PeriodStatus = "CLIENT_SUBMITTED"
	PeriodStatusUnderReview     PeriodStatus = "UNDER_REVIEW"
	PeriodStatusFinalized       PeriodStatus = "FINALIZED"
	PeriodStatusAutoBilled      PeriodStatus = "AUTO_BILLED"
)

func (s PeriodStatus) Terminal() bool {
	return s == PeriodStatusFinalized || s == PeriodStatusAutoBilled
}

func (s PeriodStatus) Valid() bool {
	switch s {
	case PeriodStatusDraft, PeriodStatusPendingClient, PeriodStatusClientSubmitted,
		PeriodStatusUnderReview, PeriodStatusFinalized, PeriodStatusAutoBilled:
		return true
	default:
		return false
	}
}

type LineItemStatus string

const (
	LineItemStatusPending   LineItemStatus = "PENDING"
	LineItemStatusSubmitted LineItemStatus = "SUBMITTED"
	LineItemStatusDisputed  LineItemStatus = "DISPUTED"
	LineItemStatusConfirmed LineItemStatus = "CONFIRMED"
)

// Motion is how a paying customer converted.
type Motion string

const (
	MotionPLG   Motion = "PLG"
	MotionSales Motion = "SALES"
)

// BillingConfig is the stored per-tenant billing contract. Terms converts it
// into the typed form the calculators use.
type BillingConfig struct {
	ID               snowflake.ID                 `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID                 `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Model            BillingModelKind             `gorm:"type:text;not null" json:"model"`
	FlatRate         decimal.Decimal              `gorm:"type:numeric;not null" json:"flat_rate"`
	PLGRate          decimal.Decimal              `gorm:"type:numeric;not null" json:"plg_rate"`
	SalesRate        decimal.Decimal              `gorm:"type:numeric;not null" json:"sales_rate"`
	FeePerSignup     decimal.Decimal              `gorm:"type:numeric;not null" json:"fee_per_signup"`
	FeePerMeeting    decimal.Decimal              `gorm:"type:numeric;not null" json:"fee_per_meeting"`
	CustomEventKind  *attributiondomain.EventKind `gorm:"type:text" json:"custom_event_kind,omitempty"`
	CustomEventFee   decimal.Decimal              `gorm:"type:numeric;not null" json:"custom_event_fee"`
	ContractStart    time.Time                    `gorm:"not null" json:"contract_start"`
	Cadence          Cadence                      `gorm:"type:text;not null" json:"cadence"`
	ReviewWindowDays int                          `gorm:"not null" json:"review_window_days"`
	EstimatedACV     decimal.Decimal              `gorm:"column:estimated_acv;type:numeric;not null" json:"estimated_acv"`
	CreatedAt        time.Time                    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time                    `gorm:"not null" json:"updated_at"`
}

func (BillingConfig) TableName() string { return "billing_configs" }

// ReconciliationPeriod is one billing window of a tenant contract, keyed by label.
type ReconciliationPeriod struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID    `gorm:"not null;uniqueIndex:ux_reconciliation_periods_label,priority:1" json:"tenant_id"`
	Label            string          `gorm:"type:text;not null;uniqueIndex:ux_reconciliation_periods_label,priority:2" json:"label"`
	StartDate        time.Time       `gorm:"not null" json:"start_date"`
	EndDate          time.Time       `gorm:"not null" json:"end_date"`
	ReviewDeadline   time.Time       `gorm:"not null" json:"review_deadline"`
	Status           PeriodStatus    `gorm:"type:text;not null;index" json:"status"`
	PayingCustomers  int64           `gorm:"not null;default:0" json:"paying_customers"`
	Signups          int64           `gorm:"not null;default:0" json:"signups"`
	Meetings         int64           `gorm:"not null;default:0" json:"meetings"`
	CustomEvents     int64           `gorm:"not null;default:0" json:"custom_events"`
	RevenueSubmitted decimal.Decimal `gorm:"type:numeric;not null" json:"revenue_submitted"`
	AmountOwed       decimal.Decimal `gorm:"type:numeric;not null" json:"amount_owed"`
	EstimatedAmount  decimal.Decimal `gorm:"type:numeric;not null" json:"estimated_amount"`
	AutoGenerated    bool            `gorm:"not null" json:"auto_generated"`
	AutoBilledAt     *time.Time      `json:"auto_billed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (ReconciliationPeriod) TableName() string { return "reconciliation_periods" }

// LineItem is what one domain owes for one period.
type LineItem struct {
	ID                 snowflake.ID        `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID        `gorm:"not null;index" json:"tenant_id"`
	PeriodID           snowflake.ID        `gorm:"not null;uniqueIndex:ux_line_items_period_domain,priority:1" json:"period_id"`
	Domain             string              `gorm:"type:text;not null;uniqueIndex:ux_line_items_period_domain,priority:2;index" json:"domain"`
	AttributedDomainID snowflake.ID        `gorm:"not null" json:"attributed_domain_id"`
	SignupCount        int64               `gorm:"not null;default:0" json:"signup_count"`
	MeetingCount       int64               `gorm:"not null;default:0" json:"meeting_count"`
	CustomEventCount   int64               `gorm:"not null;default:0" json:"custom_event_count"`
	HasPayingCustomer  bool                `gorm:"not null" json:"has_paying_customer"`
	PayingCustomerDate *time.Time          `json:"paying_customer_date,omitempty"`
	MotionType         *Motion             `gorm:"type:text" json:"motion_type,omitempty"`
	AppliedRate        decimal.Decimal     `gorm:"type:numeric;not null" json:"applied_rate"`
	RevshareAmount     decimal.Decimal     `gorm:"type:numeric;not null" json:"revshare_amount"`
	SignupFee          decimal.Decimal     `gorm:"type:numeric;not null" json:"signup_fee"`
	MeetingFee         decimal.Decimal     `gorm:"type:numeric;not null" json:"meeting_fee"`
	CustomEventFee     decimal.Decimal     `gorm:"type:numeric;not null" json:"custom_event_fee"`
	RevenueSubmitted   decimal.NullDecimal `gorm:"type:numeric" json:"revenue_submitted"`
	AmountOwed         decimal.Decimal     `gorm:"type:numeric;not null" json:"amount_owed"`
	Status             LineItemStatus      `gorm:"type:text;not null" json:"status"`
	CreatedAt          time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"not null" json:"updated_at"`
}

func (LineItem) TableName() string { return "reconciliation_line_items" }

// Billable reports whether the item counts toward period totals.
func (i LineItem) Billable() bool {
	return i.Status != LineItemStatusDisputed
}

// Signal is one timeline entry of an attributed domain, as the populator sees it.
type Signal struct {
	AttributedDomainID snowflake.ID
	Domain             string
	DomainStatus       attributiondomain.DomainStatus
	Kind               attributiondomain.EventKind
	OccurredAt         time.Time
}
