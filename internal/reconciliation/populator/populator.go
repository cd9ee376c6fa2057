// Package populator decides which domains are billable in a period and folds
// that decision into the period's stored line items.
package populator

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	"github.com/smallbiznis/attribution/internal/reconciliation/calendar"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/reconciliation/fee"
	"gorm.io/gorm"
)

// LiabilityMonths is how long a paying customer stays billable under revenue share.
const LiabilityMonths = 12

// Selection is what one domain contributes to one period.
type Selection struct {
	AttributedDomainID snowflake.ID
	Domain             string
	SignupCount        int64
	MeetingCount       int64
	CustomEventCount   int64
	HasPayingCustomer  bool
	PayingCustomerDate *time.Time
	Motion             reconciliationdomain.Motion
}

func (s Selection) empty() bool {
	return !s.HasPayingCustomer && s.SignupCount == 0 && s.MeetingCount == 0 && s.CustomEventCount == 0
}

// Select evaluates each signal source the terms charge for. Disputed domains
// never bill. The result is sorted by domain.
func Select(period calendar.Period, terms reconciliationdomain.Terms, signals []reconciliationdomain.Signal) []Selection {
	byDomain := map[snowflake.ID][]reconciliationdomain.Signal{}
	var order []snowflake.ID
	for _, s := range signals {
		if s.DomainStatus == attributiondomain.DomainStatusDisputed {
			continue
		}
		if _, ok := byDomain[s.AttributedDomainID]; !ok {
			order = append(order, s.AttributedDomainID)
		}
		byDomain[s.AttributedDomainID] = append(byDomain[s.AttributedDomainID], s)
	}

	var out []Selection
	for _, id := range order {
		sel := selectDomain(period, terms, byDomain[id])
		if !sel.empty() {
			out = append(out, sel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func selectDomain(period calendar.Period, terms reconciliationdomain.Terms, signals []reconciliationdomain.Signal) Selection {
	sel := Selection{
		AttributedDomainID: signals[0].AttributedDomainID,
		Domain:             signals[0].Domain,
	}

	var payingAt *time.Time
	for _, s := range signals {
		switch {
		case s.Kind == attributiondomain.EventKindPayingCustomer:
			if payingAt == nil || s.OccurredAt.Before(*payingAt) {
				at := s.OccurredAt
				payingAt = &at
			}
		case s.Kind == attributiondomain.EventKindSignUp && terms.Fees.ChargesSignups() && period.Contains(s.OccurredAt):
			sel.SignupCount++
		case s.Kind == attributiondomain.EventKindMeetingBooked && terms.Fees.ChargesMeetings() && period.Contains(s.OccurredAt):
			sel.MeetingCount++
		}
		if terms.Fees.ChargesCustom() && s.Kind == terms.Fees.Custom.Kind && period.Contains(s.OccurredAt) {
			sel.CustomEventCount++
		}
	}

	if payingAt != nil && terms.ChargesRevshare() && InLiabilityWindow(*payingAt, period) {
		d := calendar.Date(*payingAt)
		sel.HasPayingCustomer = true
		sel.PayingCustomerDate = &d
		sel.Motion = MotionAt(*payingAt, signals)
	}
	return sel
}

// InLiabilityWindow reports d <= end and d + 12 months > start, on dates.
func InLiabilityWindow(payingAt time.Time, period calendar.Period) bool {
	d := calendar.Date(payingAt)
	return !d.After(period.End) && d.AddDate(0, LiabilityMonths, 0).After(period.Start)
}

// MotionAt is SALES when a meeting was booked at or before the paying moment.
// Meetings after conversion do not change it.
func MotionAt(payingAt time.Time, signals []reconciliationdomain.Signal) reconciliationdomain.Motion {
	for _, s := range signals {
		if s.Kind == attributiondomain.EventKindMeetingBooked && !s.OccurredAt.After(payingAt) {
			return reconciliationdomain.MotionSales
		}
	}
	return reconciliationdomain.MotionPLG
}

// Plan is the store mutation Merge derives for one period.
type Plan struct {
	Create []*reconciliationdomain.LineItem
	Update []*reconciliationdomain.LineItem
	Delete []snowflake.ID
}

// Merge folds selections into the stored items. Re-affirmed items keep the
// larger of stored and recomputed counts; stale items go only while PENDING.
// New items carry no id yet.
func Merge(period reconciliationdomain.ReconciliationPeriod, existing []reconciliationdomain.LineItem, selected []Selection, now time.Time) Plan {
	stored := make(map[string]reconciliationdomain.LineItem, len(existing))
	for _, item := range existing {
		stored[item.Domain] = item
	}

	var plan Plan
	seen := make(map[string]bool, len(selected))
	for _, sel := range selected {
		seen[sel.Domain] = true
		if item, ok := stored[sel.Domain]; ok {
			item.AttributedDomainID = sel.AttributedDomainID
			item.SignupCount = max(item.SignupCount, sel.SignupCount)
			item.MeetingCount = max(item.MeetingCount, sel.MeetingCount)
			item.CustomEventCount = max(item.CustomEventCount, sel.CustomEventCount)
			if sel.HasPayingCustomer {
				item.HasPayingCustomer = true
				if item.PayingCustomerDate == nil {
					item.PayingCustomerDate = sel.PayingCustomerDate
				}
				if item.MotionType == nil {
					motion := sel.Motion
					item.MotionType = &motion
				}
			}
			item.UpdatedAt = now
			plan.Update = append(plan.Update, &item)
			continue
		}

		item := &reconciliationdomain.LineItem{
			TenantID:           period.TenantID,
			PeriodID:           period.ID,
			Domain:             sel.Domain,
			AttributedDomainID: sel.AttributedDomainID,
			SignupCount:        sel.SignupCount,
			MeetingCount:       sel.MeetingCount,
			CustomEventCount:   sel.CustomEventCount,
			HasPayingCustomer:  sel.HasPayingCustomer,
			PayingCustomerDate: sel.PayingCustomerDate,
			AppliedRate:        decimal.Zero,
			RevshareAmount:     decimal.Zero,
			SignupFee:          decimal.Zero,
			MeetingFee:         decimal.Zero,
			CustomEventFee:     decimal.Zero,
			AmountOwed:         decimal.Zero,
			Status:             reconciliationdomain.LineItemStatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if sel.HasPayingCustomer {
			motion := sel.Motion
			item.MotionType = &motion
		}
		plan.Create = append(plan.Create, item)
	}

	for _, item := range existing {
		if seen[item.Domain] {
			continue
		}
		if item.Status == reconciliationdomain.LineItemStatusPending {
			plan.Delete = append(plan.Delete, item.ID)
			continue
		}
		plan.Update = append(plan.Update, &item)
	}
	return plan
}

// Result is the state of a period's line items after Populate.
type Result struct {
	Items    []reconciliationdomain.LineItem
	Upserted int
	Deleted  int
}

type Populator struct {
	repo  reconciliationdomain.Repository
	genID *snowflake.Node
}

func New(repo reconciliationdomain.Repository, genID *snowflake.Node) *Populator {
	return &Populator{repo: repo, genID: genID}
}

// Populate selects, merges and persists the line items of one period with fees
// recomputed. It must run inside the caller's transaction.
func (p *Populator) Populate(ctx context.Context, tx *gorm.DB, period reconciliationdomain.ReconciliationPeriod, bounds calendar.Period, terms reconciliationdomain.Terms, signals []reconciliationdomain.Signal, now time.Time) (Result, error) {
	existing, err := p.repo.ListLineItems(ctx, tx, period.ID)
	if err != nil {
		return Result{}, err
	}

	plan := Merge(period, existing, Select(bounds, terms, signals), now)

	for _, item := range plan.Create {
		item.ID = p.genID.Generate()
		fee.Apply(item, terms)
	}
	if err := p.repo.InsertLineItems(ctx, tx, plan.Create); err != nil {
		return Result{}, err
	}
	for _, item := range plan.Update {
		fee.Apply(item, terms)
		if err := p.repo.SaveLineItem(ctx, tx, item); err != nil {
			return Result{}, err
		}
	}
	deleted, err := p.repo.DeletePendingLineItems(ctx, tx, plan.Delete)
	if err != nil {
		return Result{}, err
	}

	items := make([]reconciliationdomain.LineItem, 0, len(plan.Create)+len(plan.Update))
	for _, item := range plan.Create {
		items = append(items, *item)
	}
	for _, item := range plan.Update {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Domain < items[j].Domain })

	return Result{
		Items:    items,
		Upserted: len(plan.Create) + len(plan.Update),
		Deleted:  int(deleted),
	}, nil
}
