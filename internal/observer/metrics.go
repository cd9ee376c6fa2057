package observer

import (
	"context"

	"github.com/smallbiznis/attribution/internal/observability/metrics"
)

type metricsObserver struct {
	domain    *metrics.Metrics
	scheduler *metrics.SchedulerMetrics
}

// NewMetricsObserver records notifications as OTel counters and job event totals.
func NewMetricsObserver(domain *metrics.Metrics, scheduler *metrics.SchedulerMetrics) Observer {
	return &metricsObserver{domain: domain, scheduler: scheduler}
}

func (o *metricsObserver) MatchEvaluated(ctx context.Context, e MatchEvaluated) {
	o.domain.RecordMatch(ctx, e.TenantID.String(), e.MatchKind, e.WithinWindow)
}

func (o *metricsObserver) EventFailed(ctx context.Context, e EventFailed) {
	o.domain.RecordEventFailed(ctx, e.TenantID.String())
}

func (o *metricsObserver) BatchPersisted(_ context.Context, e BatchPersisted) {
	o.scheduler.AddJobEvents("hard", e.Hard)
	o.scheduler.AddJobEvents("soft", e.Soft)
	o.scheduler.AddJobEvents("no_match", e.NoMatch)
	o.scheduler.AddJobEvents("error", e.Errors)
}

func (o *metricsObserver) DomainAttributed(ctx context.Context, e DomainAttributed) {
	o.domain.RecordDomainAttributed(ctx, e.TenantID.String(), e.EventKind)
}

func (o *metricsObserver) PeriodTransitioned(ctx context.Context, e PeriodTransitioned) {
	o.domain.RecordPeriodTransition(ctx, e.From, e.To)
}

func (o *metricsObserver) PeriodAutoBilled(ctx context.Context, e PeriodAutoBilled) {
	o.domain.RecordPeriodAutoBilled(ctx, e.TenantID.String())
}

func (o *metricsObserver) LineItemsSynced(ctx context.Context, e LineItemsSynced) {
	o.domain.RecordLineItemsSynced(ctx, e.TenantID.String(), e.Upserted)
}
