package lifecycle

import (
	"errors"
	"testing"

	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []reconciliationdomain.PeriodStatus{
	reconciliationdomain.PeriodStatusDraft,
	reconciliationdomain.PeriodStatusPendingClient,
	reconciliationdomain.PeriodStatusClientSubmitted,
	reconciliationdomain.PeriodStatusUnderReview,
	reconciliationdomain.PeriodStatusFinalized,
	reconciliationdomain.PeriodStatusAutoBilled,
}

func TestForwardAndBackwardEdges(t *testing.T) {
	allowed := [][2]reconciliationdomain.PeriodStatus{
		{reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusPendingClient},
		{reconciliationdomain.PeriodStatusPendingClient, reconciliationdomain.PeriodStatusClientSubmitted},
		{reconciliationdomain.PeriodStatusClientSubmitted, reconciliationdomain.PeriodStatusUnderReview},
		{reconciliationdomain.PeriodStatusUnderReview, reconciliationdomain.PeriodStatusFinalized},
		{reconciliationdomain.PeriodStatusPendingClient, reconciliationdomain.PeriodStatusDraft},
		{reconciliationdomain.PeriodStatusClientSubmitted, reconciliationdomain.PeriodStatusPendingClient},
		{reconciliationdomain.PeriodStatusUnderReview, reconciliationdomain.PeriodStatusPendingClient},
	}
	for _, edge := range allowed {
		assert.NoError(t, Transition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	rejected := [][2]reconciliationdomain.PeriodStatus{
		{reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusFinalized},
		{reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusAutoBilled},
		{reconciliationdomain.PeriodStatusClientSubmitted, reconciliationdomain.PeriodStatusDraft},
		{reconciliationdomain.PeriodStatusDraft, reconciliationdomain.PeriodStatusDraft},
	}
	for _, edge := range rejected {
		assert.ErrorIs(t, Transition(edge[0], edge[1]), ErrInvalidTransition, "%s -> %s", edge[0], edge[1])
	}
}

func TestTerminalStatusesAcceptNothing(t *testing.T) {
	for _, terminal := range []reconciliationdomain.PeriodStatus{
		reconciliationdomain.PeriodStatusFinalized,
		reconciliationdomain.PeriodStatusAutoBilled,
	} {
		for _, to := range allStatuses {
			err := Transition(terminal, to)
			require.Error(t, err, "%s -> %s", terminal, to)

			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, terminal, te.From)
			assert.Equal(t, to, te.To)
		}
		assert.ErrorIs(t, AutoBill(terminal), ErrInvalidTransition)
		assert.Empty(t, Next(terminal))
	}
}

func TestAutoBill(t *testing.T) {
	assert.NoError(t, AutoBill(reconciliationdomain.PeriodStatusDraft))
	assert.NoError(t, AutoBill(reconciliationdomain.PeriodStatusPendingClient))

	err := AutoBill(reconciliationdomain.PeriodStatusClientSubmitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "CLIENT_SUBMITTED")
	assert.Contains(t, err.Error(), "AUTO_BILLED")
}

func TestSubmit(t *testing.T) {
	for from, want := range map[reconciliationdomain.PeriodStatus]reconciliationdomain.PeriodStatus{
		reconciliationdomain.PeriodStatusDraft:           reconciliationdomain.PeriodStatusClientSubmitted,
		reconciliationdomain.PeriodStatusPendingClient:   reconciliationdomain.PeriodStatusClientSubmitted,
		reconciliationdomain.PeriodStatusClientSubmitted: reconciliationdomain.PeriodStatusClientSubmitted,
		reconciliationdomain.PeriodStatusUnderReview:     reconciliationdomain.PeriodStatusUnderReview,
	} {
		got, err := Submit(from)
		require.NoError(t, err, from)
		assert.Equal(t, want, got, from)
	}

	for _, terminal := range []reconciliationdomain.PeriodStatus{
		reconciliationdomain.PeriodStatusFinalized,
		reconciliationdomain.PeriodStatusAutoBilled,
	} {
		got, err := Submit(terminal)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, terminal, got)
	}
}
