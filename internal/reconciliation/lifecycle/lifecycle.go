// Package lifecycle is the period state machine.
package lifecycle

import (
	"errors"
	"fmt"

	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
)

var ErrInvalidTransition = errors.New("invalid_period_transition")

// TransitionError names the rejected edge. It matches ErrInvalidTransition.
type TransitionError struct {
	From reconciliationdomain.PeriodStatus
	To   reconciliationdomain.PeriodStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid period transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var edges = map[reconciliationdomain.PeriodStatus][]reconciliationdomain.PeriodStatus{
	reconciliationdomain.PeriodStatusDraft: {
		reconciliationdomain.PeriodStatusPendingClient,
	},
	reconciliationdomain.PeriodStatusPendingClient: {
		reconciliationdomain.PeriodStatusClientSubmitted,
		reconciliationdomain.PeriodStatusDraft,
	},
	reconciliationdomain.PeriodStatusClientSubmitted: {
		reconciliationdomain.PeriodStatusUnderReview,
		reconciliationdomain.PeriodStatusPendingClient,
	},
	reconciliationdomain.PeriodStatusUnderReview: {
		reconciliationdomain.PeriodStatusFinalized,
		reconciliationdomain.PeriodStatusPendingClient,
	},
}

// Transition validates a manual move between statuses. AUTO_BILLED is never a
// manual target; use AutoBill.
func Transition(from, to reconciliationdomain.PeriodStatus) error {
	for _, next := range edges[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// AutoBill validates forcing a period to AUTO_BILLED. Only periods the client
// never submitted qualify; the caller checks the review deadline.
func AutoBill(from reconciliationdomain.PeriodStatus) error {
	switch from {
	case reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusPendingClient:
		return nil
	default:
		return &TransitionError{From: from, To: reconciliationdomain.PeriodStatusAutoBilled}
	}
}

// Submit returns the status a period moves to when the client reports revenue
// on one of its line items. DRAFT and PENDING_CLIENT advance to
// CLIENT_SUBMITTED; periods already past submission keep their status.
func Submit(from reconciliationdomain.PeriodStatus) (reconciliationdomain.PeriodStatus, error) {
	switch from {
	case reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusPendingClient:
		return reconciliationdomain.PeriodStatusClientSubmitted, nil
	case reconciliationdomain.PeriodStatusClientSubmitted, reconciliationdomain.PeriodStatusUnderReview:
		return from, nil
	default:
		return from, &TransitionError{From: from, To: reconciliationdomain.PeriodStatusClientSubmitted}
	}
}

// Next lists the manual transitions available from a status.
func Next(from reconciliationdomain.PeriodStatus) []reconciliationdomain.PeriodStatus {
	out := make([]reconciliationdomain.PeriodStatus, len(edges[from]))
	copy(out, edges[from])
	return out
}
