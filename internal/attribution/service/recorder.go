package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/observer"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errDomainVanished = errors.New("attributed domain missing after insert conflict")

type RecorderParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     attributiondomain.Repository
	Observer observer.Observer `optional:"true"`
}

type Recorder struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     attributiondomain.Repository
	observer observer.Observer
}

func NewRecorder(p RecorderParams) attributiondomain.Recorder {
	return &Recorder{
		db:       p.DB,
		log:      p.Log.Named("attribution.recorder"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		observer: observer.OrNop(p.Observer),
	}
}

// Record persists the audit copy of a match and, for in-window matches, folds the
// event into its attributed domain. Replaying the same source event writes nothing.
func (r *Recorder) Record(ctx context.Context, event attributiondomain.BusinessEvent, result attributiondomain.MatchResult) (attributiondomain.RecordOutcome, error) {
	if event.ID == 0 || event.TenantID == 0 {
		return "", attributiondomain.ErrInvalidEvent
	}

	var (
		outcome attributiondomain.RecordOutcome
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now().UTC()
		audit := attributiondomain.MatchAudit{
			ID:             r.genID.Generate(),
			TenantID:       event.TenantID,
			SourceEventID:  event.ID,
			EventKind:      event.Kind,
			MatchKind:      result.Kind,
			AttributionKey: result.AttributionKey,
			MatchedEmail:   result.MatchedEmail,
			MatchedSentAt:  result.MatchedSentAt,
			DaysSinceEmail: result.DaysSinceEmail,
			WithinWindow:   result.WithinWindow,
			WindowDays:     result.WindowDays,
			Reason:         result.Reason,
			EvaluatedAt:    now,
		}
		inserted, err := r.repo.InsertAudit(ctx, tx, &audit)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = attributiondomain.RecordOutcomeDuplicate
			return nil
		}
		if !result.Attributable() {
			outcome = attributiondomain.RecordOutcomeAuditOnly
			return nil
		}

		domain, isNew, err := r.upsertDomain(ctx, tx, event, result, now)
		if err != nil {
			return err
		}
		created = isNew

		appended, err := r.repo.AppendDomainEvent(ctx, tx, &attributiondomain.DomainEvent{
			ID:                 r.genID.Generate(),
			TenantID:           event.TenantID,
			AttributedDomainID: domain.ID,
			Domain:             domain.Domain,
			SourceEventID:      event.ID,
			EventKind:          event.Kind,
			OccurredAt:         event.OccurredAt.UTC(),
			MatchKind:          result.Kind,
			MatchedEmail:       result.MatchedEmail,
			MatchedSentAt:      result.MatchedSentAt,
			DaysSinceEmail:     result.DaysSinceEmail,
			CreatedAt:          now,
		})
		if err != nil {
			return err
		}
		if !appended {
			// the audit insert above already claimed this source event
			return fmt.Errorf("domain event for source %s already present", event.ID)
		}
		outcome = attributiondomain.RecordOutcomeRecorded
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record event %s: %w", event.ID, err)
	}

	if outcome == attributiondomain.RecordOutcomeRecorded {
		r.observer.DomainAttributed(ctx, observer.DomainAttributed{
			TenantID:  event.TenantID,
			Domain:    result.AttributionKey,
			EventKind: string(event.Kind),
			Created:   created,
		})
	}
	return outcome, nil
}

func (r *Recorder) upsertDomain(ctx context.Context, tx *gorm.DB, event attributiondomain.BusinessEvent, result attributiondomain.MatchResult, now time.Time) (*attributiondomain.AttributedDomain, bool, error) {
	domain, err := r.repo.FindDomainForUpdate(ctx, tx, event.TenantID, result.AttributionKey)
	if err != nil {
		return nil, false, err
	}

	if domain == nil {
		candidate := &attributiondomain.AttributedDomain{
			ID:        r.genID.Generate(),
			TenantID:  event.TenantID,
			Domain:    result.AttributionKey,
			KeyType:   keyTypeOrDefault(result.KeyType),
			MatchType: result.Kind,
			Status:    attributiondomain.DomainStatusAttributed,
			CreatedAt: now,
			UpdatedAt: now,
		}
		candidate.Apply(event.Kind, event.OccurredAt, result.Kind)
		inserted, err := r.repo.InsertDomain(ctx, tx, candidate)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			return candidate, true, nil
		}

		domain, err = r.repo.FindDomainForUpdate(ctx, tx, event.TenantID, result.AttributionKey)
		if err != nil {
			return nil, false, err
		}
		if domain == nil {
			return nil, false, errDomainVanished
		}
	}

	domain.Apply(event.Kind, event.OccurredAt, result.Kind)
	domain.UpdatedAt = now
	if err := r.repo.SaveDomain(ctx, tx, domain); err != nil {
		return nil, false, err
	}
	return domain, false, nil
}

func keyTypeOrDefault(keyType attributiondomain.KeyType) attributiondomain.KeyType {
	if keyType == "" {
		return attributiondomain.KeyTypeDomain
	}
	return keyType
}
