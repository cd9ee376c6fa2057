// Package observer is the seam through which the attribution and billing cores
// report what they did. Cores depend only on Observer; logging and metrics are
// plugged in at wiring time.
package observer

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type MatchEvaluated struct {
	TenantID       snowflake.ID
	EventID        snowflake.ID
	EventKind      string
	MatchKind      string
	AttributionKey string
	WithinWindow   bool
	DaysSinceEmail *int
	Reason         string
}

type EventFailed struct {
	TenantID snowflake.ID
	JobID    snowflake.ID
	EventID  snowflake.ID
	Err      error
}

type BatchPersisted struct {
	TenantID  snowflake.ID
	JobID     snowflake.ID
	Cursor    snowflake.ID
	Processed int
	Hard      int
	Soft      int
	NoMatch   int
	Errors    int
	Duration  time.Duration
}

type DomainAttributed struct {
	TenantID  snowflake.ID
	Domain    string
	EventKind string
	Created   bool
}

type PeriodTransitioned struct {
	TenantID snowflake.ID
	PeriodID snowflake.ID
	From     string
	To       string
}

type PeriodAutoBilled struct {
	TenantID        snowflake.ID
	PeriodID        snowflake.ID
	Label           string
	EstimatedAmount string
}

type LineItemsSynced struct {
	TenantID snowflake.ID
	PeriodID snowflake.ID
	Upserted int
	Deleted  int
}

type Observer interface {
	MatchEvaluated(ctx context.Context, e MatchEvaluated)
	EventFailed(ctx context.Context, e EventFailed)
	BatchPersisted(ctx context.Context, e BatchPersisted)
	DomainAttributed(ctx context.Context, e DomainAttributed)
	PeriodTransitioned(ctx context.Context, e PeriodTransitioned)
	PeriodAutoBilled(ctx context.Context, e PeriodAutoBilled)
	LineItemsSynced(ctx context.Context, e LineItemsSynced)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) MatchEvaluated(context.Context, MatchEvaluated)         {}
func (Nop) EventFailed(context.Context, EventFailed)               {}
func (Nop) BatchPersisted(context.Context, BatchPersisted)         {}
func (Nop) DomainAttributed(context.Context, DomainAttributed)     {}
func (Nop) PeriodTransitioned(context.Context, PeriodTransitioned) {}
func (Nop) PeriodAutoBilled(context.Context, PeriodAutoBilled)     {}
func (Nop) LineItemsSynced(context.Context, LineItemsSynced)       {}

type multi []Observer

// Multi fans every notification out to each non-nil observer in order.
func Multi(observers ...Observer) Observer {
	out := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multi) MatchEvaluated(ctx context.Context, e MatchEvaluated) {
	for _, o := range m {
		o.MatchEvaluated(ctx, e)
	}
}

func (m multi) EventFailed(ctx context.Context, e EventFailed) {
	for _, o := range m {
		o.EventFailed(ctx, e)
	}
}

func (m multi) BatchPersisted(ctx context.Context, e BatchPersisted) {
	for _, o := range m {
		o.BatchPersisted(ctx, e)
	}
}

func (m multi) DomainAttributed(ctx context.Context, e DomainAttributed) {
	for _, o := range m {
		o.DomainAttributed(ctx, e)
	}
}

func (m multi) PeriodTransitioned(ctx context.Context, e PeriodTransitioned) {
	for _, o := range m {
		o.PeriodTransitioned(ctx, e)
	}
}

func (m multi) PeriodAutoBilled(ctx context.Context, e PeriodAutoBilled) {
	for _, o := range m {
		o.PeriodAutoBilled(ctx, e)
	}
}

func (m multi) LineItemsSynced(ctx context.Context, e LineItemsSynced) {
	for _, o := range m {
		o.LineItemsSynced(ctx, e)
	}
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
