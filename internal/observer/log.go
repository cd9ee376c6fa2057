package observer

import (
	"context"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/smallbiznis/attribution/internal/observability/logger"
	"go.uber.org/zap"
)

type logObserver struct {
	log *zap.Logger
}

// NewLogObserver writes one structured line per notification.
func NewLogObserver(log *zap.Logger) Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &logObserver{log: log.Named("observer")}
}

func (o *logObserver) with(ctx context.Context, tenantID snowflake.ID) *zap.Logger {
	if tenantID != 0 {
		ctx = obscontext.WithTenantID(ctx, tenantID.String())
	}
	return logger.WithContext(ctx, o.log)
}

func (o *logObserver) MatchEvaluated(ctx context.Context, e MatchEvaluated) {
	fields := []zap.Field{
		zap.String("event_id", e.EventID.String()),
		zap.String("event_kind", e.EventKind),
		zap.String("match_kind", e.MatchKind),
		zap.Bool("within_window", e.WithinWindow),
		zap.String("reason", e.Reason),
	}
	if e.DaysSinceEmail != nil {
		fields = append(fields, zap.Int("days_since_email", *e.DaysSinceEmail))
	}
	o.with(ctx, e.TenantID).Debug("match evaluated", fields...)
}

func (o *logObserver) EventFailed(ctx context.Context, e EventFailed) {
	o.with(ctx, e.TenantID).Warn("event failed",
		zap.String("job_id", e.JobID.String()),
		zap.String("event_id", e.EventID.String()),
		zap.Error(e.Err),
	)
}

func (o *logObserver) BatchPersisted(ctx context.Context, e BatchPersisted) {
	o.with(ctx, e.TenantID).Info("batch persisted",
		zap.String("job_id", e.JobID.String()),
		zap.String("cursor", e.Cursor.String()),
		zap.Int("processed", e.Processed),
		zap.Int("hard", e.Hard),
		zap.Int("soft", e.Soft),
		zap.Int("no_match", e.NoMatch),
		zap.Int("errors", e.Errors),
		zap.Duration("duration", e.Duration),
	)
}

func (o *logObserver) DomainAttributed(ctx context.Context, e DomainAttributed) {
	o.with(ctx, e.TenantID).Debug("domain attributed",
		zap.String("domain", e.Domain),
		zap.String("event_kind", e.EventKind),
		zap.Bool("created", e.Created),
	)
}

func (o *logObserver) PeriodTransitioned(ctx context.Context, e PeriodTransitioned) {
	o.with(ctx, e.TenantID).Info("period transitioned",
		zap.String("period_id", e.PeriodID.String()),
		zap.String("from", e.From),
		zap.String("to", e.To),
	)
}

func (o *logObserver) PeriodAutoBilled(ctx context.Context, e PeriodAutoBilled) {
	o.with(ctx, e.TenantID).Info("period auto billed",
		zap.String("period_id", e.PeriodID.String()),
		zap.String("label", e.Label),
		zap.String("estimated_amount", e.EstimatedAmount),
	)
}

func (o *logObserver) LineItemsSynced(ctx context.Context, e LineItemsSynced) {
	o.with(ctx, e.TenantID).Info("line items synced",
		zap.String("period_id", e.PeriodID.String()),
		zap.Int("upserted", e.Upserted),
		zap.Int("deleted", e.Deleted),
	)
}
