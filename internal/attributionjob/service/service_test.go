package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	attributionrepository "github.com/smallbiznis/attribution/internal/attribution/repository"
	attributionservice "github.com/smallbiznis/attribution/internal/attribution/service"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	"github.com/smallbiznis/attribution/internal/attributionjob/repository"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	auditrepository "github.com/smallbiznis/attribution/internal/audit/repository"
	auditservice "github.com/smallbiznis/attribution/internal/audit/service"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/locker"
	"github.com/smallbiznis/attribution/internal/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testTenant = snowflake.ID(100)

type testEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	locker    *locker.LocalLocker
	processor jobdomain.Processor
	params    ProcessorParams
	trigger   jobdomain.Trigger
	recorder  *flakyRecorder
	observed  *countingObserver
}

// flakyStore fails the nth SaveProgress call once and delegates otherwise.
type flakyStore struct {
	jobdomain.Repository
	failAt int
	saves  int
}

func (s *flakyStore) SaveProgress(ctx context.Context, db *gorm.DB, job *jobdomain.AttributionJob) error {
	s.saves++
	if s.saves == s.failAt {
		return errors.New("connection reset by peer")
	}
	return s.Repository.SaveProgress(ctx, db, job)
}

// leaseCounter counts renewals and can report the lock as lost.
type leaseCounter struct {
	*locker.LocalLocker
	extends int
	lose    bool
}

func (l *leaseCounter) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.extends++
	if l.lose {
		return false, nil
	}
	return l.LocalLocker.Extend(ctx, key, token, ttl)
}

// flakyRecorder fails for the configured event ids and delegates otherwise.
type flakyRecorder struct {
	inner  attributiondomain.Recorder
	failOn map[snowflake.ID]bool
}

func (r *flakyRecorder) Record(ctx context.Context, event attributiondomain.BusinessEvent, result attributiondomain.MatchResult) (attributiondomain.RecordOutcome, error) {
	if r.failOn[event.ID] {
		return "", errors.New("record failed")
	}
	return r.inner.Record(ctx, event, result)
}

type countingObserver struct {
	observer.Nop
	batches []observer.BatchPersisted
	failed  []observer.EventFailed
}

func (o *countingObserver) BatchPersisted(_ context.Context, e observer.BatchPersisted) {
	o.batches = append(o.batches, e)
}

func (o *countingObserver) EventFailed(_ context.Context, e observer.EventFailed) {
	o.failed = append(o.failed, e)
}

func newTestEnv(t *testing.T, batchSize int) *testEnv {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&attributiondomain.BusinessEvent{},
		&attributiondomain.OutboundEmail{},
		&attributiondomain.AttributionSettings{},
		&attributiondomain.AttributedDomain{},
		&attributiondomain.DomainEvent{},
		&attributiondomain.MatchAudit{},
		&jobdomain.AttributionJob{},
		&jobdomain.AttributionJobFailure{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.DefaultEngineConfig()
	cfg.BatchSize = batchSize
	cfg.BatchDelay = 0
	engine := config.NewStaticEngineConfigHolder(cfg)

	eventRepo := attributionrepository.Provide()
	jobRepo := repository.Provide()
	locks := locker.NewLocalLocker()
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditrepository.Provide(),
	})

	matcher := attributionservice.NewMatcher(attributionservice.MatcherParams{
		DB: conn, Log: log, Repo: eventRepo, Clock: fake, Engine: engine,
	})
	recorder := &flakyRecorder{
		inner: attributionservice.NewRecorder(attributionservice.RecorderParams{
			DB: conn, Log: log, GenID: node, Clock: fake, Repo: eventRepo,
		}),
		failOn: map[snowflake.ID]bool{},
	}
	observed := &countingObserver{}

	require.NoError(t, conn.Create(&attributiondomain.AttributionSettings{
		ID: node.Generate(), TenantID: testTenant, Enabled: true,
	}).Error)

	params := ProcessorParams{
		DB: conn, Log: log, GenID: node, Clock: fake, Repo: jobRepo, EventRepo: eventRepo,
		Matcher: matcher, Recorder: recorder, Locker: locks, Engine: engine, Observer: observed,
	}
	return &testEnv{
		db:        conn,
		node:      node,
		clock:     fake,
		locker:    locks,
		processor: NewProcessor(params),
		params:    params,
		trigger: NewTrigger(TriggerParams{
			DB: conn, Log: log, GenID: node, Clock: fake, Repo: jobRepo, EventRepo: eventRepo,
			Locker: locks, AuditSvc: auditSvc,
		}),
		recorder: recorder,
		observed: observed,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func (e *testEnv) sent(t *testing.T, email, domain string, at time.Time) {
	t.Helper()
	require.NoError(t, e.db.Create(&attributiondomain.OutboundEmail{
		ID: e.node.Generate(), TenantID: testTenant, RecipientEmail: email, RecipientDomain: domain, SentAt: at,
	}).Error)
}

func (e *testEnv) event(t *testing.T, kind attributiondomain.EventKind, email string, at time.Time) snowflake.ID {
	t.Helper()
	ev := attributiondomain.BusinessEvent{
		ID:         e.node.Generate(),
		TenantID:   testTenant,
		Kind:       kind,
		Email:      &email,
		OccurredAt: at,
	}
	require.NoError(t, e.db.Create(&ev).Error)
	return ev.ID
}

func (e *testEnv) seed(t *testing.T) []snowflake.ID {
	t.Helper()
	e.sent(t, "bob@acme.com", "acme.com", day(2025, 1, 1))
	return []snowflake.ID{
		e.event(t, attributiondomain.EventKindSignUp, "bob@acme.com", day(2025, 1, 5)),
		e.event(t, attributiondomain.EventKindMeetingBooked, "ann@acme.com", day(2025, 1, 6)),
		e.event(t, attributiondomain.EventKindSignUp, "nobody@globex.com", day(2025, 1, 7)),
		e.event(t, attributiondomain.EventKindPayingCustomer, "bob@acme.com", day(2025, 1, 8)),
		e.event(t, attributiondomain.EventKindSignUp, "late@acme.com", day(2025, 4, 1)),
	}
}

func TestRunProcessesAllEventsInBatches(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.seed(t)
	ctx := context.Background()

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, started.Created)
	assert.EqualValues(t, 5, started.Job.TotalEvents)

	job, err := env.processor.Run(ctx, started.Job.ID)
	require.NoError(t, err)

	assert.Equal(t, jobdomain.JobStatusCompleted, job.Status)
	assert.Equal(t, ids[len(ids)-1], job.Cursor)
	assert.EqualValues(t, 5, job.ProcessedEvents)
	assert.EqualValues(t, 2, job.HardMatches)
	assert.EqualValues(t, 2, job.SoftMatches)
	assert.EqualValues(t, 1, job.NoMatches)
	assert.EqualValues(t, 0, job.Errors)
	assert.Equal(t, 1.0, job.Progress())
	assert.Len(t, env.observed.batches, 3)

	stored, err := env.trigger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	var domains int64
	require.NoError(t, env.db.Model(&attributiondomain.AttributedDomain{}).Count(&domains).Error)
	assert.EqualValues(t, 1, domains)

	_, err = env.processor.Run(ctx, job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobTerminal)
}

func TestRunRecordsFailuresAndContinues(t *testing.T) {
	env := newTestEnv(t, 10)
	ids := env.seed(t)
	env.recorder.failOn[ids[1]] = true
	ctx := context.Background()

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	job, err := env.processor.Run(ctx, started.Job.ID)
	require.NoError(t, err)

	assert.Equal(t, jobdomain.JobStatusCompleted, job.Status)
	assert.EqualValues(t, 5, job.ProcessedEvents)
	assert.EqualValues(t, 1, job.Errors)

	failures, err := env.trigger.ListFailures(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, ids[1], failures[0].EventID)
	assert.Equal(t, "record failed", failures[0].Error)
	require.Len(t, env.observed.failed, 1)
}

func TestRerunResumesFromLastCursor(t *testing.T) {
	env := newTestEnv(t, 10)
	env.seed(t)
	ctx := context.Background()

	first, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	_, err = env.processor.Run(ctx, first.Job.ID)
	require.NoError(t, err)

	pending, err := env.trigger.PendingEvents(ctx, testTenant)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)

	newID := env.event(t, attributiondomain.EventKindSignUp, "carol@acme.com", day(2025, 1, 9))
	pending, err = env.trigger.PendingEvents(ctx, testTenant)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	second, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	require.True(t, second.Created)
	assert.EqualValues(t, 1, second.Job.TotalEvents)

	job, err := env.processor.Run(ctx, second.Job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, job.ProcessedEvents)
	assert.Equal(t, newID, job.Cursor)

	var audits int64
	require.NoError(t, env.db.Model(&attributiondomain.MatchAudit{}).Count(&audits).Error)
	assert.EqualValues(t, 6, audits)
}

func TestStartRunReturnsActiveJob(t *testing.T) {
	env := newTestEnv(t, 10)
	env.seed(t)
	ctx := context.Background()

	first, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	again, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)

	assert.False(t, again.Created)
	assert.Equal(t, first.Job.ID, again.Job.ID)

	var actions []string
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).Pluck("action", &actions).Error)
	assert.Equal(t, []string{auditdomain.ActionRunStarted}, actions)

	_, err = env.trigger.StartRun(ctx, 0)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidTenant)
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t, 10)
	env.seed(t)
	ctx := context.Background()

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)

	cancelled, err := env.trigger.Cancel(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCancelled, cancelled.Status)

	_, err = env.processor.Run(ctx, started.Job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobTerminal)

	_, err = env.trigger.Cancel(ctx, started.Job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobTerminal)
}

func TestCancelRunningJobStopsAtBatchBoundary(t *testing.T) {
	env := newTestEnv(t, 2)
	env.seed(t)
	ctx := context.Background()

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&jobdomain.AttributionJob{}).
		Where("id = ?", started.Job.ID).
		Update("status", jobdomain.JobStatusRunning).Error)

	cancelled, err := env.trigger.Cancel(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusRunning, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)

	job, err := env.processor.Run(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCancelled, job.Status)
	assert.EqualValues(t, 0, job.ProcessedEvents)
}

func TestRunIsSingleFlightPerTenant(t *testing.T) {
	env := newTestEnv(t, 10)
	env.seed(t)
	ctx := context.Background()

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)

	token, ok, err := env.locker.TryLock(ctx, locker.AttributionRunKey(testTenant.String()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := env.processor.Run(ctx, started.Job.ID)
	assert.ErrorIs(t, err, locker.ErrLockBusy)
	assert.Equal(t, jobdomain.JobStatusPending, job.Status)

	require.NoError(t, env.locker.Release(ctx, locker.AttributionRunKey(testTenant.String()), token))
	job, err = env.processor.Run(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCompleted, job.Status)
}

func TestRunUnknownJob(t *testing.T) {
	env := newTestEnv(t, 10)
	_, err := env.processor.Run(context.Background(), snowflake.ID(42))
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)

	_, err = env.processor.Run(context.Background(), 0)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidJob)
}

func TestRunFailsOnStoreErrorAndNextRunResumes(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.seed(t)
	ctx := context.Background()

	// saves: start, batch one, batch two (fails), FAILED status
	params := env.params
	params.Repo = &flakyStore{Repository: env.params.Repo, failAt: 3}
	processor := NewProcessor(params)

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	job, err := processor.Run(ctx, started.Job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist batch")

	assert.Equal(t, jobdomain.JobStatusFailed, job.Status)
	assert.Equal(t, ids[1], job.Cursor, "cursor stays at the last committed batch")
	assert.EqualValues(t, 2, job.ProcessedEvents)

	stored, err := env.trigger.Get(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusFailed, stored.Status)
	assert.Equal(t, ids[1], stored.Cursor)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "connection reset by peer")
	assert.NotNil(t, stored.CompletedAt)

	_, err = processor.Run(ctx, started.Job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobTerminal)

	next, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	require.True(t, next.Created)
	assert.Equal(t, ids[1], next.Job.Cursor)
	assert.EqualValues(t, 3, next.Job.TotalEvents)

	resumed, err := env.processor.Run(ctx, next.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCompleted, resumed.Status)
	assert.EqualValues(t, 3, resumed.ProcessedEvents)
	assert.Equal(t, ids[len(ids)-1], resumed.Cursor)

	// events of the failed batch were recorded once; the replay is idempotent
	var audits int64
	require.NoError(t, env.db.Model(&attributiondomain.MatchAudit{}).Count(&audits).Error)
	assert.EqualValues(t, 5, audits)
}

func TestRunRenewsLockBetweenBatches(t *testing.T) {
	env := newTestEnv(t, 2)
	env.seed(t)
	ctx := context.Background()

	leases := &leaseCounter{LocalLocker: env.locker}
	params := env.params
	params.Locker = leases
	processor := NewProcessor(params)

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	job, err := processor.Run(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, leases.extends, "one renewal per persisted batch")
}

func TestRunStopsWhenLockIsLost(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.seed(t)
	ctx := context.Background()

	leases := &leaseCounter{LocalLocker: env.locker, lose: true}
	params := env.params
	params.Locker = leases
	processor := NewProcessor(params)

	started, err := env.trigger.StartRun(ctx, testTenant)
	require.NoError(t, err)
	job, err := processor.Run(ctx, started.Job.ID)
	assert.ErrorIs(t, err, locker.ErrLockLost)
	assert.Equal(t, jobdomain.JobStatusRunning, job.Status, "left for the recovery sweep")
	assert.Equal(t, ids[1], job.Cursor)

	stored, err := env.trigger.Get(ctx, started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStatusRunning, stored.Status)
	assert.EqualValues(t, 2, stored.ProcessedEvents)
}
