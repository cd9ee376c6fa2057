package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/domainname"
	"github.com/smallbiznis/attribution/internal/locker"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/smallbiznis/attribution/internal/observability/logger"
	"github.com/smallbiznis/attribution/internal/observer"
	"github.com/smallbiznis/attribution/internal/reconciliation/calendar"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/reconciliation/fee"
	"github.com/smallbiznis/attribution/internal/reconciliation/lifecycle"
	"github.com/smallbiznis/attribution/internal/reconciliation/populator"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// outlives the scheduler's billing job timeout
const syncLockTTL = 6 * time.Minute

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     reconciliationdomain.Repository
	Locker   locker.Locker
	AuditSvc auditdomain.Service
	Engine   *config.EngineConfigHolder
	Observer observer.Observer `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      reconciliationdomain.Repository
	locker    locker.Locker
	auditSvc  auditdomain.Service
	engine    *config.EngineConfigHolder
	observer  observer.Observer
	populator *populator.Populator
	tracer    trace.Tracer
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reconciliation.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		locker:    p.Locker,
		auditSvc:  p.AuditSvc,
		engine:    p.Engine,
		observer:  observer.OrNop(p.Observer),
		populator: populator.New(p.Repo, p.GenID),
		tracer:    otel.Tracer("reconciliation/sync"),
	}
}

// SyncTenant materializes the tenant's billing calendar and refreshes every
// period still under review. Periods past their deadline without a client
// submission are auto-billed.
func (s *Service) SyncTenant(ctx context.Context, tenantID snowflake.ID) (reconciliationdomain.SyncResult, error) {
	if tenantID == 0 {
		return reconciliationdomain.SyncResult{}, reconciliationdomain.ErrInvalidTenant
	}
	ctx = obscontext.WithTenantID(ctx, tenantID.String())

	var result reconciliationdomain.SyncResult
	err := locker.WithLock(ctx, s.locker, locker.BillingSyncKey(tenantID.String()), syncLockTTL, func(ctx context.Context) error {
		var err error
		result, err = s.sync(ctx, tenantID)
		return err
	})
	return result, err
}

func (s *Service) sync(ctx context.Context, tenantID snowflake.ID) (reconciliationdomain.SyncResult, error) {
	result := reconciliationdomain.SyncResult{TenantID: tenantID}
	terms, err := s.loadTerms(ctx, s.db, tenantID)
	if err != nil {
		return result, err
	}

	now := s.clock.Now().UTC()
	generated, err := calendar.Generate(terms.ContractStart, terms.Cadence, terms.ReviewWindowDays, now)
	if err != nil {
		return result, fmt.Errorf("%w: %v", reconciliationdomain.ErrInvalidBillingConfig, err)
	}
	for _, bounds := range generated {
		if _, _, err := s.ensurePeriod(ctx, tenantID, bounds, true, now); err != nil {
			return result, err
		}
	}

	open, err := s.repo.ListOpenPeriods(ctx, s.db, tenantID)
	if err != nil {
		return result, err
	}
	if len(open) == 0 {
		return result, nil
	}

	var horizon time.Time
	for _, period := range open {
		if period.EndDate.After(horizon) {
			horizon = period.EndDate
		}
	}
	signals, err := s.repo.ListSignals(ctx, s.db, tenantID, calendar.Date(horizon).AddDate(0, 0, 1))
	if err != nil {
		return result, err
	}

	log := logger.WithContext(ctx, s.log)
	for _, period := range open {
		bounds := boundsOf(period)
		if calendar.Classify(bounds, now) == calendar.Upcoming {
			continue
		}
		populated, billed, err := s.refreshPeriod(ctx, period, bounds, terms, signals, now)
		if err != nil {
			log.Error("failed to refresh period", zap.String("period_id", period.ID.String()), zap.Error(err))
			return result, err
		}
		result.Periods++
		result.Upserted += populated.Upserted
		result.Deleted += populated.Deleted
		if billed {
			result.AutoBilled++
		}
	}

	log.Info("billing sync completed",
		zap.Int("periods", result.Periods),
		zap.Int("line_items_upserted", result.Upserted),
		zap.Int("line_items_deleted", result.Deleted),
		zap.Int("auto_billed", result.AutoBilled),
	)
	return result, nil
}

func (s *Service) refreshPeriod(
	ctx context.Context,
	period reconciliationdomain.ReconciliationPeriod,
	bounds calendar.Period,
	terms reconciliationdomain.Terms,
	signals []reconciliationdomain.Signal,
	now time.Time,
) (populator.Result, bool, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.period", trace.WithAttributes(
		attribute.String("period_id", period.ID.String()),
		attribute.String("label", period.Label),
	))
	defer span.End()

	var (
		populated populator.Result
		updated   reconciliationdomain.ReconciliationPeriod
		billed    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindPeriodForUpdate(ctx, tx, period.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.Status.Terminal() {
			return nil
		}

		populated, err = s.populator.Populate(ctx, tx, *locked, bounds, terms, signals, now)
		if err != nil {
			return err
		}
		applyTotals(locked, populated.Items, terms)

		if calendar.Classify(bounds, now) == calendar.Overdue && lifecycle.AutoBill(locked.Status) == nil && !clientReported(populated.Items) {
			locked.Status = reconciliationdomain.PeriodStatusAutoBilled
			locked.AmountOwed = locked.EstimatedAmount
			locked.AutoBilledAt = &now
			billed = true
		}
		locked.UpdatedAt = now
		if err := s.repo.SavePeriod(ctx, tx, locked); err != nil {
			return err
		}
		updated = *locked
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return populator.Result{}, false, err
	}
	span.SetAttributes(attribute.Int("line_items", len(populated.Items)))

	if updated.ID != 0 {
		s.observer.LineItemsSynced(ctx, observer.LineItemsSynced{
			TenantID: updated.TenantID,
			PeriodID: updated.ID,
			Upserted: populated.Upserted,
			Deleted:  populated.Deleted,
		})
	}
	if billed {
		s.observer.PeriodAutoBilled(ctx, observer.PeriodAutoBilled{
			TenantID:        updated.TenantID,
			PeriodID:        updated.ID,
			Label:           updated.Label,
			EstimatedAmount: updated.EstimatedAmount.StringFixed(2),
		})
		s.audit(ctx, updated.TenantID, auditdomain.ActorTypeScheduler, auditdomain.ActionPeriodAutoBilled, "reconciliation_period", updated.ID, map[string]any{
			"label":            updated.Label,
			"estimated_amount": updated.EstimatedAmount.StringFixed(2),
		})
	}
	return populated, billed, nil
}

// ensurePeriod inserts the period as DRAFT unless its label already exists.
func (s *Service) ensurePeriod(ctx context.Context, tenantID snowflake.ID, bounds calendar.Period, auto bool, now time.Time) (reconciliationdomain.ReconciliationPeriod, bool, error) {
	period := reconciliationdomain.ReconciliationPeriod{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		Label:            bounds.Label,
		StartDate:        bounds.Start,
		EndDate:          bounds.End,
		ReviewDeadline:   bounds.ReviewDeadline,
		Status:           reconciliationdomain.PeriodStatusDraft,
		RevenueSubmitted: decimal.Zero,
		AmountOwed:       decimal.Zero,
		EstimatedAmount:  decimal.Zero,
		AutoGenerated:    auto,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := s.repo.InsertPeriod(ctx, s.db, &period)
	if err != nil {
		return reconciliationdomain.ReconciliationPeriod{}, false, err
	}
	if inserted {
		return period, true, nil
	}
	existing, err := s.repo.FindPeriodByLabel(ctx, s.db, tenantID, bounds.Label)
	if err != nil {
		return reconciliationdomain.ReconciliationPeriod{}, false, err
	}
	if existing == nil {
		return reconciliationdomain.ReconciliationPeriod{}, false, reconciliationdomain.ErrPeriodNotFound
	}
	return *existing, false, nil
}

func (s *Service) TransitionPeriod(ctx context.Context, req reconciliationdomain.TransitionPeriodRequest) (reconciliationdomain.ReconciliationPeriod, error) {
	if req.PeriodID == 0 {
		return reconciliationdomain.ReconciliationPeriod{}, reconciliationdomain.ErrInvalidPeriod
	}
	if !req.To.Valid() {
		return reconciliationdomain.ReconciliationPeriod{}, fmt.Errorf("%w: unknown status %q", lifecycle.ErrInvalidTransition, req.To)
	}

	var (
		updated reconciliationdomain.ReconciliationPeriod
		from    reconciliationdomain.PeriodStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		period, err := s.repo.FindPeriodForUpdate(ctx, tx, req.PeriodID)
		if err != nil {
			return err
		}
		if period == nil {
			return reconciliationdomain.ErrPeriodNotFound
		}
		if err := lifecycle.Transition(period.Status, req.To); err != nil {
			return err
		}
		from = period.Status
		period.Status = req.To
		period.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.SavePeriod(ctx, tx, period); err != nil {
			return err
		}
		updated = *period
		return nil
	})
	if err != nil {
		return reconciliationdomain.ReconciliationPeriod{}, err
	}

	s.observer.PeriodTransitioned(ctx, observer.PeriodTransitioned{
		TenantID: updated.TenantID,
		PeriodID: updated.ID,
		From:     string(from),
		To:       string(updated.Status),
	})
	s.audit(ctx, updated.TenantID, "", auditdomain.ActionPeriodTransitioned, "reconciliation_period", updated.ID, map[string]any{
		"from":  string(from),
		"to":    string(updated.Status),
		"label": updated.Label,
	})
	return updated, nil
}

// SubmitRevenue records the client's reported revenue for a line item and
// recomputes what it owes.
func (s *Service) SubmitRevenue(ctx context.Context, req reconciliationdomain.SubmitRevenueRequest) (reconciliationdomain.LineItem, error) {
	if req.Revenue.IsNegative() {
		return reconciliationdomain.LineItem{}, reconciliationdomain.ErrInvalidRevenue
	}
	revenue := req.Revenue.Round(2)

	var from, to reconciliationdomain.PeriodStatus
	item, err := s.mutateLineItem(ctx, req.LineItemID, func(item *reconciliationdomain.LineItem, period *reconciliationdomain.ReconciliationPeriod) error {
		if item.Status == reconciliationdomain.LineItemStatusDisputed {
			return reconciliationdomain.ErrLineItemDisputed
		}
		next, err := lifecycle.Submit(period.Status)
		if err != nil {
			return err
		}
		from, to = period.Status, next
		period.Status = next

		item.RevenueSubmitted = decimal.NewNullDecimal(revenue)
		if item.Status == reconciliationdomain.LineItemStatusPending {
			item.Status = reconciliationdomain.LineItemStatusSubmitted
		}
		return nil
	})
	if err != nil {
		return reconciliationdomain.LineItem{}, err
	}

	if from != to {
		s.observer.PeriodTransitioned(ctx, observer.PeriodTransitioned{
			TenantID: item.TenantID,
			PeriodID: item.PeriodID,
			From:     string(from),
			To:       string(to),
		})
		s.audit(ctx, item.TenantID, "", auditdomain.ActionPeriodTransitioned, "reconciliation_period", item.PeriodID, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": "revenue_submitted",
		})
	}

	s.audit(ctx, item.TenantID, "", auditdomain.ActionRevenueSubmitted, "line_item", item.ID, map[string]any{
		"domain":      item.Domain,
		"revenue":     revenue.StringFixed(2),
		"amount_owed": item.AmountOwed.StringFixed(2),
	})
	return item, nil
}

// SetLineItemStatus disputes or confirms a line item.
func (s *Service) SetLineItemStatus(ctx context.Context, req reconciliationdomain.SetLineItemStatusRequest) (reconciliationdomain.LineItem, error) {
	if req.Status != reconciliationdomain.LineItemStatusDisputed && req.Status != reconciliationdomain.LineItemStatusConfirmed {
		return reconciliationdomain.LineItem{}, reconciliationdomain.ErrInvalidLineItemStatus
	}

	var from reconciliationdomain.LineItemStatus
	item, err := s.mutateLineItem(ctx, req.LineItemID, func(item *reconciliationdomain.LineItem, _ *reconciliationdomain.ReconciliationPeriod) error {
		from = item.Status
		item.Status = req.Status
		return nil
	})
	if err != nil {
		return reconciliationdomain.LineItem{}, err
	}

	s.audit(ctx, item.TenantID, "", auditdomain.ActionLineItemStatusChanged, "line_item", item.ID, map[string]any{
		"domain": item.Domain,
		"from":   string(from),
		"to":     string(item.Status),
	})
	return item, nil
}

// mutateLineItem locks the item and its period, applies fn, recomputes fees
// and refreshes the period totals. fn may also move the locked period.
func (s *Service) mutateLineItem(ctx context.Context, id snowflake.ID, fn func(*reconciliationdomain.LineItem, *reconciliationdomain.ReconciliationPeriod) error) (reconciliationdomain.LineItem, error) {
	if id == 0 {
		return reconciliationdomain.LineItem{}, reconciliationdomain.ErrLineItemNotFound
	}

	var out reconciliationdomain.LineItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.FindLineItemForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return reconciliationdomain.ErrLineItemNotFound
		}
		period, err := s.repo.FindPeriodForUpdate(ctx, tx, item.PeriodID)
		if err != nil {
			return err
		}
		if period == nil {
			return reconciliationdomain.ErrPeriodNotFound
		}
		if period.Status.Terminal() {
			return reconciliationdomain.ErrPeriodLocked
		}
		terms, err := s.loadTerms(ctx, tx, item.TenantID)
		if err != nil {
			return err
		}

		if err := fn(item, period); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		item.UpdatedAt = now
		fee.Apply(item, terms)
		if err := s.repo.SaveLineItem(ctx, tx, item); err != nil {
			return err
		}

		if err := s.refreshTotals(ctx, tx, period, terms, now); err != nil {
			return err
		}
		out = *item
		return nil
	})
	return out, err
}

func (s *Service) refreshTotals(ctx context.Context, tx *gorm.DB, period *reconciliationdomain.ReconciliationPeriod, terms reconciliationdomain.Terms, now time.Time) error {
	items, err := s.repo.ListLineItems(ctx, tx, period.ID)
	if err != nil {
		return err
	}
	applyTotals(period, items, terms)
	period.UpdatedAt = now
	return s.repo.SavePeriod(ctx, tx, period)
}

// CreateManualPeriod adds an operator-defined period outside the generated calendar.
func (s *Service) CreateManualPeriod(ctx context.Context, req reconciliationdomain.CreatePeriodRequest) (reconciliationdomain.ReconciliationPeriod, error) {
	if req.TenantID == 0 {
		return reconciliationdomain.ReconciliationPeriod{}, reconciliationdomain.ErrInvalidTenant
	}
	start, end := calendar.Date(req.StartDate), calendar.Date(req.EndDate)
	if req.StartDate.IsZero() || req.EndDate.IsZero() || !start.Before(end) {
		return reconciliationdomain.ReconciliationPeriod{}, reconciliationdomain.ErrInvalidPeriod
	}

	reviewDays := s.engine.Get().DefaultReviewWindowDays
	cfg, err := s.repo.GetBillingConfig(ctx, s.db, req.TenantID)
	if err != nil {
		return reconciliationdomain.ReconciliationPeriod{}, err
	}
	if cfg != nil {
		reviewDays = cfg.ReviewWindowDays
	}

	now := s.clock.Now().UTC()
	period, created, err := s.ensurePeriod(ctx, req.TenantID, calendar.NewPeriod(start, end, reviewDays), false, now)
	if err != nil {
		return reconciliationdomain.ReconciliationPeriod{}, err
	}
	if !created {
		return period, reconciliationdomain.ErrPeriodExists
	}

	s.audit(ctx, period.TenantID, "", auditdomain.ActionPeriodCreated, "reconciliation_period", period.ID, map[string]any{
		"label": period.Label,
	})
	return period, nil
}

func (s *Service) ListPeriods(ctx context.Context, req reconciliationdomain.ListPeriodsRequest) (reconciliationdomain.ListPeriodsResponse, error) {
	if req.TenantID == 0 {
		return reconciliationdomain.ListPeriodsResponse{}, reconciliationdomain.ErrInvalidTenant
	}

	var afterID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return reconciliationdomain.ListPeriodsResponse{}, pagination.ErrInvalidPageToken
	}
	if cursor != nil {
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return reconciliationdomain.ListPeriodsResponse{}, pagination.ErrInvalidPageToken
		}
	}

	limit := pagination.Pagination{PageSize: int(req.PageSize)}.Limit()
	periods, err := s.repo.ListPeriods(ctx, s.db, req.TenantID, req.Status, afterID, limit+1)
	if err != nil {
		return reconciliationdomain.ListPeriodsResponse{}, err
	}
	periods, page := pagination.BuildPage(periods, limit, func(p reconciliationdomain.ReconciliationPeriod) string {
		return p.ID.String()
	})
	return reconciliationdomain.ListPeriodsResponse{
		Periods:       periods,
		NextPageToken: page.NextPageToken,
		HasMore:       page.HasMore,
	}, nil
}

func (s *Service) ListLineItems(ctx context.Context, periodID snowflake.ID) ([]reconciliationdomain.LineItem, error) {
	if periodID == 0 {
		return nil, reconciliationdomain.ErrInvalidPeriod
	}
	period, err := s.repo.FindPeriod(ctx, s.db, periodID)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, reconciliationdomain.ErrPeriodNotFound
	}
	return s.repo.ListLineItems(ctx, s.db, periodID)
}

// RemoveDomainPendingItems drops the domain's unsubmitted items from every
// period still under review and returns how many went.
func (s *Service) RemoveDomainPendingItems(ctx context.Context, tenantID snowflake.ID, domain string) (int, error) {
	if tenantID == 0 {
		return 0, reconciliationdomain.ErrInvalidTenant
	}
	key := domainname.Key(domain)
	if key == "" {
		return 0, attributiondomain.ErrInvalidDomain
	}

	var removed int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.repo.ListPendingItemsForDomain(ctx, tx, tenantID, key)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(items))
		periods := map[snowflake.ID]bool{}
		for _, item := range items {
			ids = append(ids, item.ID)
			periods[item.PeriodID] = true
		}
		deleted, err := s.repo.DeletePendingLineItems(ctx, tx, ids)
		if err != nil {
			return err
		}
		removed = int(deleted)

		terms, err := s.loadTerms(ctx, tx, tenantID)
		if errors.Is(err, reconciliationdomain.ErrBillingNotConfigured) {
			return nil
		}
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		for periodID := range periods {
			period, err := s.repo.FindPeriodForUpdate(ctx, tx, periodID)
			if err != nil {
				return err
			}
			if period == nil || period.Status.Terminal() {
				continue
			}
			if err := s.refreshTotals(ctx, tx, period, terms, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.WithContext(ctx, s.log).Info("removed pending line items for domain",
			zap.String("tenant_id", tenantID.String()),
			zap.String("domain", key),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// OnDomainDisputed releases a disputed domain from unsubmitted billing.
func (s *Service) OnDomainDisputed(ctx context.Context, tenantID snowflake.ID, domain string) error {
	_, err := s.RemoveDomainPendingItems(ctx, tenantID, domain)
	return err
}

func (s *Service) loadTerms(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (reconciliationdomain.Terms, error) {
	cfg, err := s.repo.GetBillingConfig(ctx, db, tenantID)
	if err != nil {
		return reconciliationdomain.Terms{}, err
	}
	if cfg == nil {
		return reconciliationdomain.Terms{}, reconciliationdomain.ErrBillingNotConfigured
	}
	return cfg.Terms()
}

func (s *Service) audit(ctx context.Context, tenantID snowflake.ID, actorType auditdomain.ActorType, action, targetType string, targetID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   tenantID,
		ActorType:  actorType,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID.String(),
		Metadata:   metadata,
	})
}

func applyTotals(period *reconciliationdomain.ReconciliationPeriod, items []reconciliationdomain.LineItem, terms reconciliationdomain.Terms) {
	totals := fee.Sum(items)
	period.PayingCustomers = totals.PayingCustomers
	period.Signups = totals.Signups
	period.Meetings = totals.Meetings
	period.CustomEvents = totals.CustomEvents
	period.RevenueSubmitted = totals.Revenue
	period.AmountOwed = totals.Owed
	period.EstimatedAmount = fee.Estimate(totals, terms)
}

// clientReported is true once any item carries client input, which takes the
// period out of auto-billing.
func clientReported(items []reconciliationdomain.LineItem) bool {
	for _, item := range items {
		if item.RevenueSubmitted.Valid {
			return true
		}
		switch item.Status {
		case reconciliationdomain.LineItemStatusSubmitted, reconciliationdomain.LineItemStatusConfirmed:
			return true
		}
	}
	return false
}

func boundsOf(period reconciliationdomain.ReconciliationPeriod) calendar.Period {
	return calendar.Period{
		Start:          calendar.Date(period.StartDate),
		End:            calendar.Date(period.EndDate),
		ReviewDeadline: calendar.Date(period.ReviewDeadline),
		Label:          period.Label,
	}
}
