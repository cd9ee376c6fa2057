package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventKind is the business outcome carried by a BusinessEvent.
type EventKind string

const (
	EventKindSignUp         EventKind = "SIGN_UP"
	EventKindMeetingBooked  EventKind = "MEETING_BOOKED"
	EventKindPayingCustomer EventKind = "PAYING_CUSTOMER"
	EventKindPositiveReply  EventKind = "POSITIVE_REPLY"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventKindSignUp, EventKindMeetingBooked, EventKindPayingCustomer, EventKindPositiveReply:
		return true
	default:
		return false
	}
}

type MatchKind string

const (
	MatchKindHard MatchKind = "HARD_MATCH"
	MatchKindSoft MatchKind = "SOFT_MATCH"
	MatchKindNone MatchKind = "NO_MATCH"
)

func (k MatchKind) strength() int {
	switch k {
	case MatchKindHard:
		return 2
	case MatchKindSoft:
		return 1
	default:
		return 0
	}
}

// Stronger reports whether k ranks above other (HARD > SOFT > NO_MATCH).
func (k MatchKind) Stronger(other MatchKind) bool {
	return k.strength() > other.strength()
}

type DomainStatus string

const (
	DomainStatusAttributed     DomainStatus = "ATTRIBUTED"
	DomainStatusClientPromoted DomainStatus = "CLIENT_PROMOTED"
	DomainStatusDisputePending DomainStatus = "DISPUTE_PENDING"
	DomainStatusDisputed       DomainStatus = "DISPUTED"
	DomainStatusManual         DomainStatus = "MANUAL"
)

// KeyType tells whether an attribution key is a company domain or a webmail address.
type KeyType string

const (
	KeyTypeDomain KeyType = "DOMAIN"
	KeyTypeEmail  KeyType = "EMAIL"
)

// Match reasons persisted on audit records.
const (
	ReasonExactEmail          = "exact email match"
	ReasonDomain              = "domain match"
	ReasonNoPriorEmail        = "no prior email found"
	ReasonPersonalDomain      = "personal email domain excluded from domain matching"
	ReasonNoIdentity          = "no email or domain on event"
	ReasonTenantNotConfigured = "tenant not configured for attribution"
)

const DefaultAttributionWindowDays = 31

// BusinessEvent is an externally produced outcome; ids increase monotonically per insert.
type BusinessEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID   snowflake.ID      `gorm:"not null;index:ix_business_events_tenant_id,priority:1" json:"tenant_id"`
	Kind       EventKind         `gorm:"type:text;not null" json:"kind"`
	Email      *string           `gorm:"type:text" json:"email,omitempty"`
	Domain     *string           `gorm:"type:text" json:"domain,omitempty"`
	OccurredAt time.Time         `gorm:"not null" json:"occurred_at"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (BusinessEvent) TableName() string { return "business_events" }

// OutboundEmail is one message from the agency's send log.
type OutboundEmail struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID `gorm:"not null;index:ix_outbound_emails_recipient,priority:1;index:ix_outbound_emails_domain,priority:1" json:"tenant_id"`
	RecipientEmail  string       `gorm:"type:text;not null;index:ix_outbound_emails_recipient,priority:2" json:"recipient_email"`
	RecipientDomain string       `gorm:"type:text;not null;index:ix_outbound_emails_domain,priority:2" json:"recipient_domain"`
	SentAt          time.Time    `gorm:"not null" json:"sent_at"`
}

func (OutboundEmail) TableName() string { return "outbound_emails" }

// AttributionSettings marks a tenant as configured for attribution.
type AttributionSettings struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID   snowflake.ID `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Enabled    bool         `gorm:"not null" json:"enabled"`
	WindowDays int          `gorm:"not null;default:0" json:"window_days"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

func (AttributionSettings) TableName() string { return "attribution_settings" }

// MatchResult is the outcome of matching one event against the email log.
type MatchResult struct {
	Kind           MatchKind  `json:"kind"`
	AttributionKey string     `json:"attribution_key,omitempty"`
	KeyType        KeyType    `json:"key_type,omitempty"`
	MatchedEmail   string     `json:"matched_email,omitempty"`
	MatchedSentAt  *time.Time `json:"matched_sent_at,omitempty"`
	DaysSinceEmail *int       `json:"days_since_email,omitempty"`
	WithinWindow   bool       `json:"within_window"`
	WindowDays     int        `json:"window_days"`
	Reason         string     `json:"reason"`
}

// Attributable reports whether the result should update the domain record.
func (r MatchResult) Attributable() bool {
	return (r.Kind == MatchKindHard || r.Kind == MatchKindSoft) && r.WithinWindow && r.AttributionKey != ""
}

// AttributedDomain aggregates every in-window matched event for one attribution key.
type AttributedDomain struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID              snowflake.ID `gorm:"not null;uniqueIndex:ux_attributed_domains_key,priority:1" json:"tenant_id"`
	Domain                string       `gorm:"type:text;not null;uniqueIndex:ux_attributed_domains_key,priority:2" json:"domain"`
	KeyType               KeyType      `gorm:"type:text;not null;default:'DOMAIN'" json:"key_type"`
	HasSignUp             bool         `gorm:"not null;default:false" json:"has_sign_up"`
	HasMeetingBooked      bool         `gorm:"not null;default:false" json:"has_meeting_booked"`
	HasPayingCustomer     bool         `gorm:"not null;default:false" json:"has_paying_customer"`
	HasPositiveReply      bool         `gorm:"not null;default:false" json:"has_positive_reply"`
	FirstEventAt          time.Time    `gorm:"not null" json:"first_event_at"`
	LastEventAt           time.Time    `gorm:"not null" json:"last_event_at"`
	FirstSignUpAt         *time.Time   `json:"first_sign_up_at,omitempty"`
	FirstMeetingBookedAt  *time.Time   `json:"first_meeting_booked_at,omitempty"`
	FirstPayingCustomerAt *time.Time   `json:"first_paying_customer_at,omitempty"`
	FirstPositiveReplyAt  *time.Time   `json:"first_positive_reply_at,omitempty"`
	MatchType             MatchKind    `gorm:"type:text;not null" json:"match_type"`
	Status                DomainStatus `gorm:"type:text;not null;default:'ATTRIBUTED'" json:"status"`
	DisputeReason         *string      `gorm:"type:text" json:"dispute_reason,omitempty"`
	DisputeRequestedAt    *time.Time   `json:"dispute_requested_at,omitempty"`
	DisputeResolvedAt     *time.Time   `json:"dispute_resolved_at,omitempty"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updated_at"`
}

func (AttributedDomain) TableName() string { return "attributed_domains" }

// DomainEvent is an append-only timeline entry for an attributed domain.
type DomainEvent struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID `gorm:"not null;index:ix_domain_events_tenant_kind,priority:1" json:"tenant_id"`
	AttributedDomainID snowflake.ID `gorm:"not null;index" json:"attributed_domain_id"`
	Domain             string       `gorm:"type:text;not null" json:"domain"`
	SourceEventID      snowflake.ID `gorm:"not null;uniqueIndex" json:"source_event_id"`
	EventKind          EventKind    `gorm:"type:text;not null;index:ix_domain_events_tenant_kind,priority:2" json:"event_kind"`
	OccurredAt         time.Time    `gorm:"not null" json:"occurred_at"`
	MatchKind          MatchKind    `gorm:"type:text;not null" json:"match_kind"`
	MatchedEmail       string       `gorm:"type:text" json:"matched_email,omitempty"`
	MatchedSentAt      *time.Time   `json:"matched_sent_at,omitempty"`
	DaysSinceEmail     *int         `json:"days_since_email,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
}

func (DomainEvent) TableName() string { return "domain_events" }

// MatchAudit is the immutable record of how an event was evaluated.
type MatchAudit struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	SourceEventID  snowflake.ID `gorm:"not null;uniqueIndex" json:"source_event_id"`
	EventKind      EventKind    `gorm:"type:text;not null" json:"event_kind"`
	MatchKind      MatchKind    `gorm:"type:text;not null" json:"match_kind"`
	AttributionKey string       `gorm:"type:text" json:"attribution_key,omitempty"`
	MatchedEmail   string       `gorm:"type:text" json:"matched_email,omitempty"`
	MatchedSentAt  *time.Time   `json:"matched_sent_at,omitempty"`
	DaysSinceEmail *int         `json:"days_since_email,omitempty"`
	WithinWindow   bool         `gorm:"not null;default:false" json:"within_window"`
	WindowDays     int          `gorm:"not null" json:"window_days"`
	Reason         string       `gorm:"type:text;not null" json:"reason"`
	EvaluatedAt    time.Time    `gorm:"not null" json:"evaluated_at"`
}

func (MatchAudit) TableName() string { return "match_audits" }
