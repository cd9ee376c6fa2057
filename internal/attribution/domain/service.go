package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidEvent            = errors.New("invalid_event")
	ErrInvalidDomain           = errors.New("invalid_domain")
	ErrDomainNotFound          = errors.New("domain_not_found")
	ErrInvalidDomainTransition = errors.New("invalid_domain_transition")
	ErrDomainAlreadyExists     = errors.New("domain_already_exists")
)

// RecordOutcome describes what the recorder wrote for one event.
type RecordOutcome string

const (
	// RecordOutcomeRecorded: audit record plus domain update and timeline entry.
	RecordOutcomeRecorded RecordOutcome = "recorded"
	// RecordOutcomeAuditOnly: audit record only (no match, or out of window).
	RecordOutcomeAuditOnly RecordOutcome = "audit_only"
	// RecordOutcomeDuplicate: the source event was already evaluated.
	RecordOutcomeDuplicate RecordOutcome = "duplicate"
)

type Matcher interface {
	Match(ctx context.Context, event BusinessEvent) (MatchResult, error)
	Preview(ctx context.Context, req PreviewRequest) (MatchResult, error)
}

type PreviewRequest struct {
	TenantID   snowflake.ID
	Email      string
	Domain     string
	OccurredAt time.Time
}

type Recorder interface {
	Record(ctx context.Context, event BusinessEvent, result MatchResult) (RecordOutcome, error)
}

type RequestDisputeRequest struct {
	TenantID snowflake.ID
	Domain   string
	Reason   string
}

type ResolveDisputeRequest struct {
	TenantID snowflake.ID
	Domain   string
	Approve  bool
}

type MarkManualRequest struct {
	TenantID snowflake.ID
	Domain   string
	At       time.Time
}

type ListDomainsRequest struct {
	TenantID  snowflake.ID
	Status    DomainStatus
	PageToken string
	PageSize  int32
}

type ListDomainsResponse struct {
	Domains       []AttributedDomain `json:"domains"`
	NextPageToken string             `json:"next_page_token,omitempty"`
	HasMore       bool               `json:"has_more"`
}

// DomainService drives the attributed domain status workflow.
type DomainService interface {
	Get(ctx context.Context, tenantID snowflake.ID, domain string) (AttributedDomain, error)
	List(ctx context.Context, req ListDomainsRequest) (ListDomainsResponse, error)
	Timeline(ctx context.Context, tenantID snowflake.ID, domain string) ([]DomainEvent, error)
	RequestDispute(ctx context.Context, req RequestDisputeRequest) (AttributedDomain, error)
	ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (AttributedDomain, error)
	Promote(ctx context.Context, tenantID snowflake.ID, domain string) (AttributedDomain, error)
	MarkManual(ctx context.Context, req MarkManualRequest) (AttributedDomain, error)
}

// DisputeListener is notified once a dispute is approved.
type DisputeListener interface {
	OnDomainDisputed(ctx context.Context, tenantID snowflake.ID, domain string) error
}

// Apply folds one matched in-window event into the domain aggregate.
func (d *AttributedDomain) Apply(kind EventKind, at time.Time, match MatchKind) {
	at = at.UTC()
	if d.FirstEventAt.IsZero() || at.Before(d.FirstEventAt) {
		d.FirstEventAt = at
	}
	if at.After(d.LastEventAt) {
		d.LastEventAt = at
	}
	if match.Stronger(d.MatchType) {
		d.MatchType = match
	}

	switch kind {
	case EventKindSignUp:
		d.HasSignUp = true
		d.FirstSignUpAt = setOnce(d.FirstSignUpAt, at)
	case EventKindMeetingBooked:
		d.HasMeetingBooked = true
		d.FirstMeetingBookedAt = setOnce(d.FirstMeetingBookedAt, at)
	case EventKindPayingCustomer:
		d.HasPayingCustomer = true
		d.FirstPayingCustomerAt = setOnce(d.FirstPayingCustomerAt, at)
	case EventKindPositiveReply:
		d.HasPositiveReply = true
		d.FirstPositiveReplyAt = setOnce(d.FirstPositiveReplyAt, at)
	}
}

func setOnce(current *time.Time, at time.Time) *time.Time {
	if current != nil {
		return current
	}
	value := at
	return &value
}

// CanTransition reports whether the domain status workflow allows current -> target.
func CanTransition(current, target DomainStatus) bool {
	switch current {
	case DomainStatusAttributed:
		return target == DomainStatusDisputePending || target == DomainStatusClientPromoted
	case DomainStatusClientPromoted, DomainStatusManual:
		return target == DomainStatusDisputePending
	case DomainStatusDisputePending:
		return target == DomainStatusDisputed || target == DomainStatusAttributed
	default:
		return false
	}
}
