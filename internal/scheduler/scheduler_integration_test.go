package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	attributionrepository "github.com/smallbiznis/attribution/internal/attribution/repository"
	attributionservice "github.com/smallbiznis/attribution/internal/attribution/service"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	jobrepository "github.com/smallbiznis/attribution/internal/attributionjob/repository"
	jobservice "github.com/smallbiznis/attribution/internal/attributionjob/service"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	auditrepository "github.com/smallbiznis/attribution/internal/audit/repository"
	auditservice "github.com/smallbiznis/attribution/internal/audit/service"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/locker"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	reconciliationrepository "github.com/smallbiznis/attribution/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/attribution/internal/reconciliation/service"
	schedtesting "github.com/smallbiznis/attribution/internal/scheduler/testing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testTenant = snowflake.ID(100)

type harness struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	locker  *locker.LocalLocker
	trigger jobdomain.Trigger
	sched   *Scheduler
	accel   *schedtesting.TimeAccelerator
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// sqlite has no row locks: strip FOR UPDATE from raw claim queries
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&attributiondomain.BusinessEvent{},
		&attributiondomain.OutboundEmail{},
		&attributiondomain.AttributionSettings{},
		&attributiondomain.AttributedDomain{},
		&attributiondomain.DomainEvent{},
		&attributiondomain.MatchAudit{},
		&jobdomain.AttributionJob{},
		&jobdomain.AttributionJobFailure{},
		&reconciliationdomain.BillingConfig{},
		&reconciliationdomain.ReconciliationPeriod{},
		&reconciliationdomain.LineItem{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, now time.Time, jobs ...string) *harness {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)

	db := openTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(now)
	log := zap.NewNop()
	locks := locker.NewLocalLocker()

	engineCfg := config.DefaultEngineConfig()
	engineCfg.BatchDelay = 0
	engine := config.NewStaticEngineConfigHolder(engineCfg)

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: auditrepository.Provide(),
	})
	eventRepo := attributionrepository.Provide()
	jobRepo := jobrepository.Provide()
	billingRepo := reconciliationrepository.Provide()

	processor := jobservice.NewProcessor(jobservice.ProcessorParams{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: jobRepo, EventRepo: eventRepo,
		Matcher: attributionservice.NewMatcher(attributionservice.MatcherParams{
			DB: db, Log: log, Repo: eventRepo, Clock: fake, Engine: engine,
		}),
		Recorder: attributionservice.NewRecorder(attributionservice.RecorderParams{
			DB: db, Log: log, GenID: node, Clock: fake, Repo: eventRepo,
		}),
		Locker: locks,
		Engine: engine,
	})
	trigger := jobservice.NewTrigger(jobservice.TriggerParams{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: jobRepo, EventRepo: eventRepo,
		Locker: locks, AuditSvc: auditSvc,
	})
	reconciliation := reconciliationservice.NewService(reconciliationservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: billingRepo,
		Locker: locks, AuditSvc: auditSvc, Engine: engine,
	})

	sched, err := New(Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fake,
		Processor:      processor,
		Reconciliation: reconciliation,
		BillingRepo:    billingRepo,
		AuditSvc:       auditSvc,
		Config:         Config{EnabledJobs: jobs},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return &harness{
		db:      db,
		node:    node,
		clock:   fake,
		locker:  locks,
		trigger: trigger,
		sched:   sched,
		accel:   schedtesting.NewTimeAccelerator(db, fake),
	}
}

func (h *harness) mustCreate(t *testing.T, value any) {
	t.Helper()
	if err := h.db.Create(value).Error; err != nil {
		t.Fatalf("create %T: %v", value, err)
	}
}

func (h *harness) seedAcme(t *testing.T) {
	t.Helper()
	at := func(m time.Month, d int) time.Time { return time.Date(2025, m, d, 12, 0, 0, 0, time.UTC) }
	h.mustCreate(t, &attributiondomain.AttributionSettings{ID: h.node.Generate(), TenantID: testTenant, Enabled: true})
	h.mustCreate(t, &attributiondomain.OutboundEmail{
		ID: h.node.Generate(), TenantID: testTenant, RecipientEmail: "bob@acme.com", RecipientDomain: "acme.com", SentAt: at(1, 1),
	})
	for _, kind := range []attributiondomain.EventKind{attributiondomain.EventKindSignUp, attributiondomain.EventKindPayingCustomer} {
		email := "bob@acme.com"
		h.mustCreate(t, &attributiondomain.BusinessEvent{
			ID: h.node.Generate(), TenantID: testTenant, Kind: kind, Email: &email, OccurredAt: at(1, 8),
		})
	}
}

func (h *harness) job(t *testing.T, id snowflake.ID) jobdomain.AttributionJob {
	t.Helper()
	job, err := h.trigger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func (h *harness) countAudits(t *testing.T, action string) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&auditdomain.AuditLog{}).Where("action = ?", action).Count(&count).Error; err != nil {
		t.Fatalf("count audits: %v", err)
	}
	return count
}

func TestRunOnceDrivesAttributionAndBilling(t *testing.T) {
	h := newHarness(t, time.Date(2025, 2, 15, 9, 0, 0, 0, time.UTC))
	h.seedAcme(t)
	h.mustCreate(t, &reconciliationdomain.BillingConfig{
		ID:               h.node.Generate(),
		TenantID:         testTenant,
		Model:            reconciliationdomain.BillingModelFlatRevshare,
		FlatRate:         decimal.RequireFromString("0.20"),
		PLGRate:          decimal.Zero,
		SalesRate:        decimal.Zero,
		FeePerSignup:     decimal.RequireFromString("25"),
		FeePerMeeting:    decimal.Zero,
		CustomEventFee:   decimal.Zero,
		ContractStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Cadence:          reconciliationdomain.CadenceMonthly,
		ReviewWindowDays: 10,
		EstimatedACV:     decimal.Zero,
	})
	ctx := context.Background()

	started, err := h.trigger.StartRun(ctx, testTenant)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job := h.job(t, started.Job.ID)
	if job.Status != jobdomain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if job.HardMatches != 2 {
		t.Fatalf("expected 2 hard matches, got %d", job.HardMatches)
	}
	if got := h.countAudits(t, auditdomain.ActionRunFinished); got != 1 {
		t.Fatalf("expected one finished audit, got %d", got)
	}

	var periods []reconciliationdomain.ReconciliationPeriod
	if err := h.db.Order("start_date ASC").Find(&periods).Error; err != nil {
		t.Fatalf("list periods: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("expected january and february periods, got %d", len(periods))
	}
	if periods[0].Status != reconciliationdomain.PeriodStatusAutoBilled {
		t.Fatalf("expected january auto-billed, got %s", periods[0].Status)
	}
	if !periods[0].AmountOwed.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected january to owe the signup fee, got %s", periods[0].AmountOwed)
	}
	if periods[1].Status != reconciliationdomain.PeriodStatusDraft {
		t.Fatalf("expected february draft, got %s", periods[1].Status)
	}

	var items []reconciliationdomain.LineItem
	if err := h.db.Where("period_id = ?", periods[1].ID).Find(&items).Error; err != nil {
		t.Fatalf("list line items: %v", err)
	}
	if len(items) != 1 || items[0].Domain != "acme.com" || !items[0].HasPayingCustomer || items[0].SignupCount != 0 {
		t.Fatalf("unexpected february line items: %+v", items)
	}

	// a second tick finds nothing new to do
	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if got := h.countAudits(t, auditdomain.ActionPeriodAutoBilled); got != 1 {
		t.Fatalf("expected one auto-bill audit, got %d", got)
	}
}

func TestAttributionRunsSkipsTenantHeldElsewhere(t *testing.T) {
	h := newHarness(t, time.Date(2025, 2, 15, 9, 0, 0, 0, time.UTC), JobAttributionRuns)
	h.seedAcme(t)
	ctx := context.Background()

	started, err := h.trigger.StartRun(ctx, testTenant)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	token, ok, err := h.locker.TryLock(ctx, locker.AttributionRunKey(testTenant.String()), time.Minute)
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("busy tenant must not fail the tick: %v", err)
	}
	if status := h.job(t, started.Job.ID).Status; status != jobdomain.JobStatusPending {
		t.Fatalf("expected job to stay pending, got %s", status)
	}

	if err := h.locker.Release(ctx, locker.AttributionRunKey(testTenant.String()), token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if status := h.job(t, started.Job.ID).Status; status != jobdomain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", status)
	}
}

func TestRecoverySweepResumesStalledJobs(t *testing.T) {
	h := newHarness(t, time.Date(2025, 2, 15, 9, 0, 0, 0, time.UTC), JobRecoverySweep)
	h.seedAcme(t)
	ctx := context.Background()

	started, err := h.trigger.StartRun(ctx, testTenant)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := h.accel.ForceRunning(ctx, started.Job.ID); err != nil {
		t.Fatalf("force running: %v", err)
	}

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if status := h.job(t, started.Job.ID).Status; status != jobdomain.JobStatusRunning {
		t.Fatalf("fresh running job must be left alone, got %s", status)
	}

	if err := h.accel.StallJob(ctx, started.Job.ID, time.Hour); err != nil {
		t.Fatalf("stall job: %v", err)
	}
	info, err := h.accel.GetJobInfo(ctx, started.Job.ID)
	if err != nil || info == nil {
		t.Fatalf("job info: %v", err)
	}
	if info.IdleFor < h.sched.cfg.RecoveryThreshold {
		t.Fatalf("expected job idle beyond threshold, got %s", info.IdleFor)
	}

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := h.job(t, started.Job.ID)
	if job.Status != jobdomain.JobStatusCompleted || job.ProcessedEvents != 2 {
		t.Fatalf("expected resumed job to complete, got %s with %d events", job.Status, job.ProcessedEvents)
	}
	if got := h.countAudits(t, auditdomain.ActionRunRecovered); got != 1 {
		t.Fatalf("expected one recovered audit, got %d", got)
	}
}
