package service

import (
	"context"
	"testing"

	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) matchAndRecord(t *testing.T, ev attributiondomain.BusinessEvent) attributiondomain.RecordOutcome {
	t.Helper()
	result, err := e.matcher.Match(context.Background(), ev)
	require.NoError(t, err)
	outcome, err := e.recorder.Record(context.Background(), ev, result)
	require.NoError(t, err)
	return outcome
}

func (e *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

func TestRecordIsIdempotentPerSourceEvent(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))
	ev := env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 5))

	assert.Equal(t, attributiondomain.RecordOutcomeRecorded, env.matchAndRecord(t, ev))
	assert.Equal(t, attributiondomain.RecordOutcomeDuplicate, env.matchAndRecord(t, ev))

	assert.EqualValues(t, 1, env.count(t, &attributiondomain.MatchAudit{}))
	assert.EqualValues(t, 1, env.count(t, &attributiondomain.DomainEvent{}))
	assert.EqualValues(t, 1, env.count(t, &attributiondomain.AttributedDomain{}))
}

func TestRecordMergesSignalsIntoDomain(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))

	env.matchAndRecord(t, env.event(attributiondomain.EventKindPayingCustomer, "ann@acme.com", "", day(2025, 1, 20)))
	env.matchAndRecord(t, env.event(attributiondomain.EventKindMeetingBooked, "bob@acme.com", "", day(2025, 1, 10)))
	env.matchAndRecord(t, env.event(attributiondomain.EventKindMeetingBooked, "bob@acme.com", "", day(2025, 1, 15)))

	record, err := env.domains.Get(context.Background(), testTenant, "acme.com")
	require.NoError(t, err)

	assert.True(t, record.HasPayingCustomer)
	assert.True(t, record.HasMeetingBooked)
	assert.False(t, record.HasSignUp)
	assert.Equal(t, attributiondomain.MatchKindHard, record.MatchType)
	assert.True(t, record.FirstEventAt.Equal(day(2025, 1, 10)))
	assert.True(t, record.LastEventAt.Equal(day(2025, 1, 20)))
	require.NotNil(t, record.FirstMeetingBookedAt)
	assert.True(t, record.FirstMeetingBookedAt.Equal(day(2025, 1, 10)))
	require.NotNil(t, record.FirstPayingCustomerAt)
	assert.True(t, record.FirstPayingCustomerAt.Equal(day(2025, 1, 20)))

	timeline, err := env.domains.Timeline(context.Background(), testTenant, "acme.com")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, attributiondomain.EventKindMeetingBooked, timeline[0].EventKind)
}

func TestRecordOutOfWindowWritesAuditOnly(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))

	outcome := env.matchAndRecord(t, env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 3, 1)))
	assert.Equal(t, attributiondomain.RecordOutcomeAuditOnly, outcome)

	assert.EqualValues(t, 1, env.count(t, &attributiondomain.MatchAudit{}))
	assert.EqualValues(t, 0, env.count(t, &attributiondomain.AttributedDomain{}))
	assert.EqualValues(t, 0, env.count(t, &attributiondomain.DomainEvent{}))
}

func TestApplyKeepsStrongestMatchAndFirstTimestamps(t *testing.T) {
	d := &attributiondomain.AttributedDomain{}
	d.Apply(attributiondomain.EventKindSignUp, day(2025, 1, 10), attributiondomain.MatchKindSoft)
	d.Apply(attributiondomain.EventKindSignUp, day(2025, 1, 5), attributiondomain.MatchKindHard)
	d.Apply(attributiondomain.EventKindSignUp, day(2025, 1, 20), attributiondomain.MatchKindSoft)

	assert.Equal(t, attributiondomain.MatchKindHard, d.MatchType)
	assert.True(t, d.FirstEventAt.Equal(day(2025, 1, 5)))
	assert.True(t, d.LastEventAt.Equal(day(2025, 1, 20)))
	assert.True(t, d.FirstSignUpAt.Equal(day(2025, 1, 10)), "first_* is set once")
}

func TestDisputeWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))
	env.matchAndRecord(t, env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 5)))
	ctx := context.Background()

	_, err := env.domains.ResolveDispute(ctx, attributiondomain.ResolveDisputeRequest{TenantID: testTenant, Domain: "acme.com", Approve: true})
	assert.ErrorIs(t, err, attributiondomain.ErrInvalidDomainTransition)

	pending, err := env.domains.RequestDispute(ctx, attributiondomain.RequestDisputeRequest{TenantID: testTenant, Domain: "https://acme.com", Reason: "existing customer"})
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.DomainStatusDisputePending, pending.Status)
	require.NotNil(t, pending.DisputeReason)
	assert.Equal(t, "existing customer", *pending.DisputeReason)

	env.listener.On("OnDomainDisputed", mock.Anything, testTenant, "acme.com").Return(nil).Once()
	disputed, err := env.domains.ResolveDispute(ctx, attributiondomain.ResolveDisputeRequest{TenantID: testTenant, Domain: "acme.com", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.DomainStatusDisputed, disputed.Status)
	assert.NotNil(t, disputed.DisputeResolvedAt)
	env.listener.AssertExpectations(t)

	_, err = env.domains.Promote(ctx, testTenant, "acme.com")
	assert.ErrorIs(t, err, attributiondomain.ErrInvalidDomainTransition)

	var actions []string
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).Order("id asc").Pluck("action", &actions).Error)
	assert.Equal(t, []string{auditdomain.ActionDomainDisputeRequested, auditdomain.ActionDomainDisputeApproved}, actions)
}

func TestRejectedDisputeReturnsToAttributed(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))
	env.matchAndRecord(t, env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 5)))
	ctx := context.Background()

	_, err := env.domains.RequestDispute(ctx, attributiondomain.RequestDisputeRequest{TenantID: testTenant, Domain: "acme.com"})
	require.NoError(t, err)
	record, err := env.domains.ResolveDispute(ctx, attributiondomain.ResolveDisputeRequest{TenantID: testTenant, Domain: "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.DomainStatusAttributed, record.Status)
	env.listener.AssertNotCalled(t, "OnDomainDisputed", mock.Anything, mock.Anything, mock.Anything)

	promoted, err := env.domains.Promote(ctx, testTenant, "acme.com")
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.DomainStatusClientPromoted, promoted.Status)
}

func TestMarkManual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	record, err := env.domains.MarkManual(ctx, attributiondomain.MarkManualRequest{TenantID: testTenant, Domain: "www.Globex.com"})
	require.NoError(t, err)
	assert.Equal(t, "globex.com", record.Domain)
	assert.Equal(t, attributiondomain.DomainStatusManual, record.Status)

	_, err = env.domains.MarkManual(ctx, attributiondomain.MarkManualRequest{TenantID: testTenant, Domain: "globex.com"})
	assert.ErrorIs(t, err, attributiondomain.ErrDomainAlreadyExists)

	_, err = env.domains.Get(ctx, testTenant, "missing.com")
	assert.ErrorIs(t, err, attributiondomain.ErrDomainNotFound)

	_, err = env.domains.Get(ctx, testTenant, " ")
	assert.ErrorIs(t, err, attributiondomain.ErrInvalidDomain)
}

func TestListDomainsPaginates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, d := range []string{"a.com", "b.com", "c.com"} {
		_, err := env.domains.MarkManual(ctx, attributiondomain.MarkManualRequest{TenantID: testTenant, Domain: d})
		require.NoError(t, err)
	}

	page, err := env.domains.List(ctx, attributiondomain.ListDomainsRequest{TenantID: testTenant, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Domains, 2)
	assert.True(t, page.HasMore)

	next, err := env.domains.List(ctx, attributiondomain.ListDomainsRequest{TenantID: testTenant, PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Domains, 1)
	assert.Equal(t, "c.com", next.Domains[0].Domain)
}
