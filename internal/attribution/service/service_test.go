package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	"github.com/smallbiznis/attribution/internal/attribution/repository"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	auditrepository "github.com/smallbiznis/attribution/internal/audit/repository"
	auditservice "github.com/smallbiznis/attribution/internal/audit/service"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testTenant = snowflake.ID(100)

type testEnv struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	matcher  attributiondomain.Matcher
	recorder attributiondomain.Recorder
	domains  attributiondomain.DomainService
	listener *mockListener
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnDomainDisputed(ctx context.Context, tenantID snowflake.ID, domain string) error {
	args := m.Called(ctx, tenantID, domain)
	return args.Error(0)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&attributiondomain.BusinessEvent{},
		&attributiondomain.OutboundEmail{},
		&attributiondomain.AttributionSettings{},
		&attributiondomain.AttributedDomain{},
		&attributiondomain.DomainEvent{},
		&attributiondomain.MatchAudit{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	log := zap.NewNop()
	engine := config.NewStaticEngineConfigHolder(config.DefaultEngineConfig())

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditrepository.Provide(),
	})
	listener := &mockListener{}

	require.NoError(t, conn.Create(&attributiondomain.AttributionSettings{
		ID: node.Generate(), TenantID: testTenant, Enabled: true,
	}).Error)

	return &testEnv{
		db:    conn,
		node:  node,
		clock: fake,
		matcher: NewMatcher(MatcherParams{
			DB: conn, Log: log, Repo: repo, Clock: fake, Engine: engine,
		}),
		recorder: NewRecorder(RecorderParams{
			DB: conn, Log: log, GenID: node, Clock: fake, Repo: repo,
		}),
		domains: NewDomainService(DomainParams{
			DB: conn, Log: log, GenID: node, Clock: fake, Repo: repo, AuditSvc: auditSvc, Listener: listener,
		}),
		listener: listener,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func (e *testEnv) sent(t *testing.T, tenantID snowflake.ID, email, domain string, at time.Time) {
	t.Helper()
	require.NoError(t, e.db.Create(&attributiondomain.OutboundEmail{
		ID:              e.node.Generate(),
		TenantID:        tenantID,
		RecipientEmail:  email,
		RecipientDomain: domain,
		SentAt:          at,
	}).Error)
}

func (e *testEnv) event(kind attributiondomain.EventKind, email, domain string, at time.Time) attributiondomain.BusinessEvent {
	ev := attributiondomain.BusinessEvent{
		ID:         e.node.Generate(),
		TenantID:   testTenant,
		Kind:       kind,
		OccurredAt: at,
	}
	if email != "" {
		ev.Email = &email
	}
	if domain != "" {
		ev.Domain = &domain
	}
	return ev
}

func TestMatchHardTakesPrecedenceOverEarlierDomainEmail(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))
	env.sent(t, testTenant, "jane@acme.com", "acme.com", day(2025, 1, 10))

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "Jane@Acme.com", "", day(2025, 1, 20)))
	require.NoError(t, err)

	assert.Equal(t, attributiondomain.MatchKindHard, result.Kind)
	assert.Equal(t, "jane@acme.com", result.MatchedEmail)
	assert.Equal(t, "acme.com", result.AttributionKey)
	assert.Equal(t, attributiondomain.KeyTypeDomain, result.KeyType)
	require.NotNil(t, result.DaysSinceEmail)
	assert.Equal(t, 10, *result.DaysSinceEmail)
	assert.True(t, result.WithinWindow)
	assert.Equal(t, attributiondomain.ReasonExactEmail, result.Reason)
}

func TestMatchSoftUsesEarliestDomainEmail(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "jane@acme.com", "acme.com", day(2025, 1, 10))
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))
	env.sent(t, testTenant, "late@acme.com", "acme.com", day(2025, 3, 1))

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindMeetingBooked, "carol@www.acme.com", "", day(2025, 1, 20)))
	require.NoError(t, err)

	assert.Equal(t, attributiondomain.MatchKindSoft, result.Kind)
	assert.Equal(t, "bob@acme.com", result.MatchedEmail)
	assert.Equal(t, 19, *result.DaysSinceEmail)
	assert.Equal(t, attributiondomain.ReasonDomain, result.Reason)
}

func TestMatchWindowBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))

	inside, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 2, 1)))
	require.NoError(t, err)
	assert.Equal(t, 31, *inside.DaysSinceEmail)
	assert.True(t, inside.WithinWindow)
	assert.True(t, inside.Attributable())

	outside, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 2, 2)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindHard, outside.Kind)
	assert.Equal(t, 32, *outside.DaysSinceEmail)
	assert.False(t, outside.WithinWindow)
	assert.False(t, outside.Attributable())
}

func TestMatchIgnoresEmailsSentAfterEvent(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 2, 1))

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 15)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindNone, result.Kind)
	assert.Equal(t, attributiondomain.ReasonNoPriorEmail, result.Reason)
}

func TestMatchPersonalDomain(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "someone@gmail.com", "gmail.com", day(2025, 1, 1))
	env.sent(t, testTenant, "jane@gmail.com", "gmail.com", day(2025, 1, 5))

	blocked, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "other@gmail.com", "", day(2025, 1, 10)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindNone, blocked.Kind)
	assert.Equal(t, attributiondomain.ReasonPersonalDomain, blocked.Reason)

	hard, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "jane@gmail.com", "", day(2025, 1, 10)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindHard, hard.Kind)
	assert.Equal(t, "jane@gmail.com", hard.AttributionKey)
	assert.Equal(t, attributiondomain.KeyTypeEmail, hard.KeyType)
}

func TestMatchPersonalEmailFallsBackToStatedDomain(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "ceo@acme.co.uk", "acme.co.uk", day(2025, 1, 1))

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "founder@gmail.com", "https://www.acme.co.uk/pricing", day(2025, 1, 3)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindSoft, result.Kind)
	assert.Equal(t, "acme.co.uk", result.AttributionKey)
}

func TestMatchWithoutIdentityOrConfiguration(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "", "", day(2025, 1, 3)))
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindNone, result.Kind)
	assert.Equal(t, attributiondomain.ReasonNoIdentity, result.Reason)

	unknown := env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 3))
	unknown.TenantID = snowflake.ID(999)
	result, err = env.matcher.Match(context.Background(), unknown)
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.ReasonTenantNotConfigured, result.Reason)

	_, err = env.matcher.Match(context.Background(), attributiondomain.BusinessEvent{ID: 1, TenantID: testTenant, Kind: "OTHER"})
	assert.ErrorIs(t, err, attributiondomain.ErrInvalidEvent)
}

func TestMatchTenantWindowOverride(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Model(&attributiondomain.AttributionSettings{}).
		Where("tenant_id = ?", testTenant).
		Update("window_days", 7).Error)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", day(2025, 1, 1))

	result, err := env.matcher.Match(context.Background(), env.event(attributiondomain.EventKindSignUp, "bob@acme.com", "", day(2025, 1, 9)))
	require.NoError(t, err)
	assert.Equal(t, 7, result.WindowDays)
	assert.False(t, result.WithinWindow)
}

func TestPreviewDefaultsToNow(t *testing.T) {
	env := newTestEnv(t)
	env.sent(t, testTenant, "bob@acme.com", "acme.com", env.clock.Now().Add(-48*time.Hour))

	result, err := env.matcher.Preview(context.Background(), attributiondomain.PreviewRequest{TenantID: testTenant, Domain: "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, attributiondomain.MatchKindSoft, result.Kind)
	assert.Equal(t, 2, *result.DaysSinceEmail)
}

func TestDaysBetweenTruncates(t *testing.T) {
	a := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, DaysBetween(a, a.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysBetween(a, a.Add(47*time.Hour)))
	assert.Equal(t, 0, DaysBetween(a, a.Add(-time.Hour)))
}
