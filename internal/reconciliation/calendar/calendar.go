// Package calendar derives the billing periods of a contract. Everything here
// is pure: the same contract always yields the same periods.
package calendar

import (
	"errors"
	"fmt"
	"time"

	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
)

var (
	ErrInvalidCadence      = errors.New("invalid_cadence")
	ErrInvalidReviewWindow = errors.New("invalid_review_window")
	ErrInvalidContract     = errors.New("invalid_contract_start")
)

const labelLayout = "2006-01-02"

type Classification string

const (
	Upcoming Classification = "UPCOMING"
	Open     Classification = "OPEN"
	Overdue  Classification = "OVERDUE"
)

// Period is a date-only billing window. End is the inclusive last day.
type Period struct {
	Start          time.Time
	End            time.Time
	ReviewDeadline time.Time
	Label          string
}

// Contains reports whether t falls on a day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := Date(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Generate walks from contractStart in cadence steps and returns every period
// that starts on or before through.
func Generate(contractStart time.Time, cadence reconciliationdomain.Cadence, reviewWindowDays int, through time.Time) ([]Period, error) {
	if contractStart.IsZero() {
		return nil, ErrInvalidContract
	}
	if !cadence.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
	}
	if reviewWindowDays < 0 {
		return nil, ErrInvalidReviewWindow
	}

	anchor := Date(contractStart)
	last := Date(through)

	var periods []Period
	for i := 0; ; i++ {
		start := step(anchor, cadence, i)
		if start.After(last) {
			break
		}
		end := step(anchor, cadence, i+1).AddDate(0, 0, -1)
		periods = append(periods, NewPeriod(start, end, reviewWindowDays))
	}
	return periods, nil
}

// NewPeriod builds a period from explicit bounds.
func NewPeriod(start, end time.Time, reviewWindowDays int) Period {
	start, end = Date(start), Date(end)
	return Period{
		Start:          start,
		End:            end,
		ReviewDeadline: end.AddDate(0, 0, reviewWindowDays),
		Label:          Label(start, end),
	}
}

func Label(start, end time.Time) string {
	return Date(start).Format(labelLayout) + "/" + Date(end).Format(labelLayout)
}

// Classify places now relative to the period. The deadline day itself is still open.
func Classify(p Period, now time.Time) Classification {
	today := Date(now)
	switch {
	case today.Before(p.Start):
		return Upcoming
	case !today.After(p.ReviewDeadline):
		return Open
	default:
		return Overdue
	}
}

// Date truncates t to UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths moves d by n months, clamping to the last day of the target month
// instead of overflowing into the next one.
func AddMonths(d time.Time, n int) time.Time {
	y, m, day := d.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// step computes the i-th boundary from the anchor directly so clamping never accumulates.
func step(anchor time.Time, cadence reconciliationdomain.Cadence, i int) time.Time {
	switch cadence {
	case reconciliationdomain.CadenceQuarterly:
		return AddMonths(anchor, 3*i)
	case reconciliationdomain.Cadence28Day:
		return anchor.AddDate(0, 0, 28*i)
	default:
		return AddMonths(anchor, i)
	}
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
