// Package fee computes what a line item or a period owes. No clock, no I/O.
package fee

import (
	"github.com/shopspring/decimal"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
)

const places = 2

type Breakdown struct {
	Rate       decimal.Decimal
	Revshare   decimal.Decimal
	SignupFee  decimal.Decimal
	MeetingFee decimal.Decimal
	CustomFee  decimal.Decimal
	Total      decimal.Decimal
}

// Calculate derives the owed amount from the item's stored inputs. Revenue share
// applies only to paying customers with submitted revenue.
func Calculate(item reconciliationdomain.LineItem, terms reconciliationdomain.Terms) Breakdown {
	b := Breakdown{
		Rate:       decimal.Zero,
		Revshare:   decimal.Zero,
		SignupFee:  decimal.Zero,
		MeetingFee: decimal.Zero,
		CustomFee:  decimal.Zero,
	}

	if item.HasPayingCustomer && terms.Model != nil {
		motion := reconciliationdomain.MotionPLG
		if item.MotionType != nil {
			motion = *item.MotionType
		}
		b.Rate = terms.Model.RateFor(motion)
		if item.RevenueSubmitted.Valid {
			b.Revshare = item.RevenueSubmitted.Decimal.Mul(b.Rate).Round(places)
		}
	}
	if terms.Fees.ChargesSignups() {
		b.SignupFee = terms.Fees.PerSignup.Mul(decimal.NewFromInt(item.SignupCount)).Round(places)
	}
	if terms.Fees.ChargesMeetings() {
		b.MeetingFee = terms.Fees.PerMeeting.Mul(decimal.NewFromInt(item.MeetingCount)).Round(places)
	}
	if terms.Fees.ChargesCustom() {
		b.CustomFee = terms.Fees.Custom.Fee.Mul(decimal.NewFromInt(item.CustomEventCount)).Round(places)
	}

	b.Total = b.Revshare.Add(b.SignupFee).Add(b.MeetingFee).Add(b.CustomFee)
	return b
}

// Apply writes the breakdown onto the item.
func Apply(item *reconciliationdomain.LineItem, terms reconciliationdomain.Terms) Breakdown {
	b := Calculate(*item, terms)
	item.AppliedRate = b.Rate
	item.RevshareAmount = b.Revshare
	item.SignupFee = b.SignupFee
	item.MeetingFee = b.MeetingFee
	item.CustomEventFee = b.CustomFee
	item.AmountOwed = b.Total
	return b
}

type Totals struct {
	PayingCustomers int64
	Signups         int64
	Meetings        int64
	CustomEvents    int64
	Revenue         decimal.Decimal
	Owed            decimal.Decimal
}

// Sum folds billable items into period totals. Disputed items are left out.
func Sum(items []reconciliationdomain.LineItem) Totals {
	t := Totals{Revenue: decimal.Zero, Owed: decimal.Zero}
	for _, item := range items {
		if !item.Billable() {
			continue
		}
		if item.HasPayingCustomer {
			t.PayingCustomers++
		}
		t.Signups += item.SignupCount
		t.Meetings += item.MeetingCount
		t.CustomEvents += item.CustomEventCount
		if item.RevenueSubmitted.Valid {
			t.Revenue = t.Revenue.Add(item.RevenueSubmitted.Decimal)
		}
		t.Owed = t.Owed.Add(item.AmountOwed)
	}
	return t
}

// Estimate is the amount billed when the client never reports revenue:
// paying customers at the estimated contract value and average rate, plus event fees.
func Estimate(t Totals, terms reconciliationdomain.Terms) decimal.Decimal {
	total := decimal.Zero
	if terms.Model != nil {
		total = decimal.NewFromInt(t.PayingCustomers).Mul(terms.EstimatedACV).Mul(terms.Model.AverageRate())
	}
	if terms.Fees.ChargesSignups() {
		total = total.Add(decimal.NewFromInt(t.Signups).Mul(terms.Fees.PerSignup))
	}
	if terms.Fees.ChargesMeetings() {
		total = total.Add(decimal.NewFromInt(t.Meetings).Mul(terms.Fees.PerMeeting))
	}
	if terms.Fees.ChargesCustom() {
		total = total.Add(decimal.NewFromInt(t.CustomEvents).Mul(terms.Fees.Custom.Fee))
	}
	return total.Round(places)
}
