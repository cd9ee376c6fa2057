package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/observability"
	obsmiddleware "github.com/smallbiznis/attribution/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	obstracing "github.com/smallbiznis/attribution/internal/observability/tracing"
	"github.com/smallbiznis/attribution/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/scheduler"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	clock          clock.Clock
	auditSvc       auditdomain.Service
	trigger        jobdomain.Trigger
	matcher        attributiondomain.Matcher
	domainSvc      attributiondomain.DomainService
	reconciliation reconciliationdomain.Service
	scheduler      *scheduler.Scheduler
	triggerLimiter *ratelimit.TriggerLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Clock          clock.Clock
	AuditSvc       auditdomain.Service
	Trigger        jobdomain.Trigger
	Matcher        attributiondomain.Matcher
	DomainSvc      attributiondomain.DomainService
	Reconciliation reconciliationdomain.Service
	Scheduler      *scheduler.Scheduler      `optional:"true"`
	TriggerLimiter *ratelimit.TriggerLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		clock:          p.Clock,
		auditSvc:       p.AuditSvc,
		trigger:        p.Trigger,
		matcher:        p.Matcher,
		domainSvc:      p.DomainSvc,
		reconciliation: p.Reconciliation,
		scheduler:      p.Scheduler,
		triggerLimiter: p.TriggerLimiter,
	}

	svc.registerInternalRoutes()
	svc.RegisterDevSchedulerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	// -------- Attribution runs --------
	internal.GET("/attribution/runs/:id", s.GetAttributionRun)
	internal.GET("/attribution/runs/:id/failures", s.ListAttributionRunFailures)
	internal.POST("/attribution/runs/:id/cancel", s.CancelAttributionRun)

	// -------- Reconciliation --------
	internal.POST("/periods/:id/transitions", s.TransitionPeriod)
	internal.GET("/periods/:id/line-items", s.ListLineItems)
	internal.POST("/line-items/:id/revenue", s.SubmitRevenue)
	internal.POST("/line-items/:id/status", s.SetLineItemStatus)

	tenant := internal.Group("/tenants/:tenant_id", TenantParam())
	{
		tenant.POST("/attribution/runs", s.TriggerRateLimit(), s.StartAttributionRun)
		tenant.GET("/attribution/preview", s.PreviewAttribution)

		tenant.POST("/billing/sync", s.TriggerRateLimit(), s.SyncBilling)
		tenant.GET("/periods", s.ListPeriods)
		tenant.POST("/periods", s.CreatePeriod)

		tenant.GET("/domains", s.ListDomains)
		tenant.GET("/domains/:domain", s.GetDomain)
		tenant.GET("/domains/:domain/timeline", s.GetDomainTimeline)
		tenant.POST("/domains/:domain/dispute", s.RequestDomainDispute)
		tenant.POST("/domains/:domain/dispute/resolve", s.ResolveDomainDispute)
		tenant.POST("/domains/:domain/promote", s.PromoteDomain)
		tenant.POST("/domains/:domain/manual", s.MarkDomainManual)

		tenant.GET("/audit-logs", s.ListAuditLogs)
	}
}
