package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
)

// BillingModel is the revenue-share half of a contract. It is sealed: only
// FlatRevshare and PLGSalesSplit implement it.
type BillingModel interface {
	RateFor(motion Motion) decimal.Decimal
	AverageRate() decimal.Decimal
	billingModel()
}

type FlatRevshare struct {
	Rate decimal.Decimal
}

func (m FlatRevshare) RateFor(Motion) decimal.Decimal { return m.Rate }
func (m FlatRevshare) AverageRate() decimal.Decimal   { return m.Rate }
func (FlatRevshare) billingModel()                    {}

// PLGSalesSplit charges a different rate depending on how the customer converted.
type PLGSalesSplit struct {
	PLGRate   decimal.Decimal
	SalesRate decimal.Decimal
}

func (m PLGSalesSplit) RateFor(motion Motion) decimal.Decimal {
	if motion == MotionSales {
		return m.SalesRate
	}
	return m.PLGRate
}

func (m PLGSalesSplit) AverageRate() decimal.Decimal {
	return m.PLGRate.Add(m.SalesRate).Div(decimal.NewFromInt(2))
}

func (PLGSalesSplit) billingModel() {}

type CustomFee struct {
	Kind attributiondomain.EventKind
	Fee  decimal.Decimal
}

// FeeSchedule is the per-event half of a contract, independent of the model.
type FeeSchedule struct {
	PerSignup  decimal.Decimal
	PerMeeting decimal.Decimal
	Custom     *CustomFee
}

func (f FeeSchedule) ChargesSignups() bool  { return f.PerSignup.IsPositive() }
func (f FeeSchedule) ChargesMeetings() bool { return f.PerMeeting.IsPositive() }
func (f FeeSchedule) ChargesCustom() bool   { return f.Custom != nil && f.Custom.Fee.IsPositive() }

// Terms is the validated form of a BillingConfig.
type Terms struct {
	Model            BillingModel
	Fees             FeeSchedule
	ContractStart    time.Time
	Cadence          Cadence
	ReviewWindowDays int
	EstimatedACV     decimal.Decimal
}

// ChargesRevshare reports whether any motion carries a positive rate.
func (t Terms) ChargesRevshare() bool {
	if t.Model == nil {
		return false
	}
	return t.Model.RateFor(MotionPLG).IsPositive() || t.Model.RateFor(MotionSales).IsPositive()
}

func (c BillingConfig) Terms() (Terms, error) {
	var model BillingModel
	switch c.Model {
	case BillingModelFlatRevshare:
		model = FlatRevshare{Rate: c.FlatRate}
	case BillingModelPLGSalesSplit:
		model = PLGSalesSplit{PLGRate: c.PLGRate, SalesRate: c.SalesRate}
	default:
		return Terms{}, fmt.Errorf("%w: unknown model %q", ErrInvalidBillingConfig, c.Model)
	}

	for name, v := range map[string]decimal.Decimal{
		"flat_rate":        c.FlatRate,
		"plg_rate":         c.PLGRate,
		"sales_rate":       c.SalesRate,
		"fee_per_signup":   c.FeePerSignup,
		"fee_per_meeting":  c.FeePerMeeting,
		"custom_event_fee": c.CustomEventFee,
		"estimated_acv":    c.EstimatedACV,
	} {
		if v.IsNegative() {
			return Terms{}, fmt.Errorf("%w: %s is negative", ErrInvalidBillingConfig, name)
		}
	}
	if !c.Cadence.Valid() {
		return Terms{}, fmt.Errorf("%w: unknown cadence %q", ErrInvalidBillingConfig, c.Cadence)
	}
	if c.ReviewWindowDays < 0 {
		return Terms{}, fmt.Errorf("%w: review window is negative", ErrInvalidBillingConfig)
	}
	if c.ContractStart.IsZero() {
		return Terms{}, fmt.Errorf("%w: contract start is required", ErrInvalidBillingConfig)
	}

	fees := FeeSchedule{PerSignup: c.FeePerSignup, PerMeeting: c.FeePerMeeting}
	if c.CustomEventKind != nil {
		if !c.CustomEventKind.Valid() {
			return Terms{}, fmt.Errorf("%w: unknown custom event kind %q", ErrInvalidBillingConfig, *c.CustomEventKind)
		}
		fees.Custom = &CustomFee{Kind: *c.CustomEventKind, Fee: c.CustomEventFee}
	}

	return Terms{
		Model:            model,
		Fees:             fees,
		ContractStart:    c.ContractStart,
		Cadence:          c.Cadence,
		ReviewWindowDays: c.ReviewWindowDays,
		EstimatedACV:     c.EstimatedACV,
	}, nil
}
