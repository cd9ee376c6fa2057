package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/domainname"
	"github.com/smallbiznis/attribution/internal/observer"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MatcherParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     attributiondomain.Repository
	Clock    clock.Clock
	Engine   *config.EngineConfigHolder
	Observer observer.Observer `optional:"true"`
}

type Matcher struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     attributiondomain.Repository
	clock    clock.Clock
	engine   *config.EngineConfigHolder
	observer observer.Observer
}

func NewMatcher(p MatcherParams) attributiondomain.Matcher {
	return &Matcher{
		db:       p.DB,
		log:      p.Log.Named("attribution.matcher"),
		repo:     p.Repo,
		clock:    p.Clock,
		engine:   p.Engine,
		observer: observer.OrNop(p.Observer),
	}
}

// Match evaluates a business event against the tenant's outbound email log.
func (m *Matcher) Match(ctx context.Context, event attributiondomain.BusinessEvent) (attributiondomain.MatchResult, error) {
	if event.ID == 0 || event.TenantID == 0 || !event.Kind.Valid() {
		return attributiondomain.MatchResult{}, attributiondomain.ErrInvalidEvent
	}

	result, err := m.evaluate(ctx, event.TenantID, deref(event.Email), deref(event.Domain), event.OccurredAt)
	if err != nil {
		return attributiondomain.MatchResult{}, fmt.Errorf("match event %s: %w", event.ID, err)
	}

	m.observer.MatchEvaluated(ctx, observer.MatchEvaluated{
		TenantID:       event.TenantID,
		EventID:        event.ID,
		EventKind:      string(event.Kind),
		MatchKind:      string(result.Kind),
		AttributionKey: result.AttributionKey,
		WithinWindow:   result.WithinWindow,
		DaysSinceEmail: result.DaysSinceEmail,
		Reason:         result.Reason,
	})
	return result, nil
}

// Preview runs the matching rules for an ad-hoc identity without recording anything.
func (m *Matcher) Preview(ctx context.Context, req attributiondomain.PreviewRequest) (attributiondomain.MatchResult, error) {
	if req.TenantID == 0 {
		return attributiondomain.MatchResult{}, attributiondomain.ErrInvalidTenant
	}
	at := req.OccurredAt
	if at.IsZero() {
		at = m.clock.Now()
	}
	return m.evaluate(ctx, req.TenantID, req.Email, req.Domain, at)
}

func (m *Matcher) evaluate(ctx context.Context, tenantID snowflake.ID, rawEmail, rawDomain string, occurredAt time.Time) (attributiondomain.MatchResult, error) {
	cfg := m.engine.Get()
	window := cfg.AttributionWindowDays
	if window <= 0 {
		window = attributiondomain.DefaultAttributionWindowDays
	}

	settings, err := m.repo.GetSettings(ctx, m.db, tenantID)
	if err != nil {
		return attributiondomain.MatchResult{}, err
	}
	if settings != nil && settings.WindowDays > 0 {
		window = settings.WindowDays
	}

	result := attributiondomain.MatchResult{
		Kind:       attributiondomain.MatchKindNone,
		WindowDays: window,
	}
	if settings == nil || !settings.Enabled {
		result.Reason = attributiondomain.ReasonTenantNotConfigured
		return result, nil
	}

	email := domainname.NormalizeEmail(rawEmail)
	stated := domainname.Canonicalize(rawDomain)
	if email == "" && stated == "" {
		result.Reason = attributiondomain.ReasonNoIdentity
		return result, nil
	}

	classifier := domainname.NewClassifier(cfg.PersonalDomains)
	softDomain, personalBlocked := "", false
	if emailDomain := domainname.EmailDomain(email); emailDomain != "" {
		if classifier.IsPersonal(emailDomain) {
			personalBlocked = true
		} else {
			softDomain = emailDomain
		}
	}
	if softDomain == "" && stated != "" {
		if classifier.IsPersonal(stated) {
			personalBlocked = true
		} else {
			softDomain = stated
		}
	}

	occurredAt = occurredAt.UTC()

	if email != "" {
		sent, err := m.repo.EarliestEmailTo(ctx, m.db, tenantID, email, occurredAt)
		if err != nil {
			return attributiondomain.MatchResult{}, err
		}
		if sent != nil {
			result.Kind = attributiondomain.MatchKindHard
			result.Reason = attributiondomain.ReasonExactEmail
			fillMatch(&result, sent, occurredAt)
			setKey(&result, softDomain, email)
			return result, nil
		}
	}

	if softDomain != "" {
		sent, err := m.repo.EarliestEmailToDomain(ctx, m.db, tenantID, softDomain, occurredAt)
		if err != nil {
			return attributiondomain.MatchResult{}, err
		}
		if sent != nil {
			result.Kind = attributiondomain.MatchKindSoft
			result.Reason = attributiondomain.ReasonDomain
			fillMatch(&result, sent, occurredAt)
			setKey(&result, softDomain, email)
			return result, nil
		}
	}

	if softDomain == "" && personalBlocked {
		result.Reason = attributiondomain.ReasonPersonalDomain
	} else {
		result.Reason = attributiondomain.ReasonNoPriorEmail
	}
	return result, nil
}

func fillMatch(result *attributiondomain.MatchResult, sent *attributiondomain.OutboundEmail, occurredAt time.Time) {
	sentAt := sent.SentAt.UTC()
	days := DaysBetween(sentAt, occurredAt)
	result.MatchedEmail = sent.RecipientEmail
	result.MatchedSentAt = &sentAt
	result.DaysSinceEmail = &days
	result.WithinWindow = days <= result.WindowDays
}

// Webmail identities are keyed by the full address so unrelated users never merge.
func setKey(result *attributiondomain.MatchResult, domain, email string) {
	if domain != "" {
		result.AttributionKey = domain
		result.KeyType = attributiondomain.KeyTypeDomain
		return
	}
	result.AttributionKey = email
	result.KeyType = attributiondomain.KeyTypeEmail
}

// DaysBetween counts whole elapsed days from a to b, truncating partial days.
func DaysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
