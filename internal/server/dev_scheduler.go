package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	schedulertesting "github.com/smallbiznis/attribution/internal/scheduler/testing"
)

// RegisterDevSchedulerRoutes adds development-only scheduler endpoints.
func (s *Server) RegisterDevSchedulerRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev")

	// Manual trigger scheduler jobs
	dev.POST("/scheduler/run-once", s.DevRunSchedulerOnce)
	dev.POST("/scheduler/attribution", s.DevRunAttribution)
	dev.POST("/scheduler/recovery", s.DevRunRecovery)
	dev.POST("/scheduler/billing", s.DevRunBillingSync)

	// Job debugging
	dev.GET("/attribution/runs/:id/info", s.DevGetJobInfo)
	dev.POST("/attribution/runs/:id/stall", s.DevStallJob)
}

func (s *Server) DevRunSchedulerOnce(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "scheduler run completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "scheduler run completed successfully",
	})
}

func (s *Server) DevRunAttribution(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.scheduler.AttributionRunsJob(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "attribution runs processed"})
}

func (s *Server) DevRunRecovery(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.scheduler.RecoverySweepJob(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recovery sweep completed"})
}

func (s *Server) DevRunBillingSync(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.scheduler.BillingSyncJob(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "billing sync completed"})
}

func (s *Server) DevGetJobInfo(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db, s.clock)
	info, err := helper.GetJobInfo(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if info == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"id":           info.ID.String(),
			"status":       info.Status,
			"cursor":       info.Cursor.String(),
			"updated_at":   info.UpdatedAt,
			"idle_seconds": info.IdleFor.Seconds(),
		},
	})
}

type stallJobRequest struct {
	IdleMinutes int `json:"idle_minutes"`
}

// DevStallJob backdates a RUNNING job so the next recovery sweep picks it up.
func (s *Server) DevStallJob(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req stallJobRequest
	if err := bindOptionalJSON(c, &req); err != nil || req.IdleMinutes < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}
	idle := time.Duration(req.IdleMinutes) * time.Minute
	if idle == 0 {
		idle = time.Hour
	}

	helper := schedulertesting.NewTimeAccelerator(s.db, s.clock)
	if err := helper.StallJob(c.Request.Context(), jobID, idle); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "job stalled",
		"job_id":  jobID.String(),
		"idle":    idle.String(),
	})
}
