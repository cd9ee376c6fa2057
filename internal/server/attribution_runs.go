package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
)

func (s *Server) StartAttributionRun(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	resp, err := s.trigger.StartRun(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"data":     resp.Job,
		"created":  resp.Created,
		"progress": resp.Job.Progress(),
	})
}

func (s *Server) GetAttributionRun(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	job, err := s.trigger.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job, "progress": job.Progress()})
}

func (s *Server) CancelAttributionRun(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	job, err := s.trigger.Cancel(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) ListAttributionRunFailures(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	failures, err := s.trigger.ListFailures(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": failures})
}

type previewQuery struct {
	Email      string `form:"email"`
	Domain     string `form:"domain"`
	OccurredAt string `form:"occurred_at"`
}

// PreviewAttribution evaluates the matcher for a hypothetical event without
// writing anything. It also reports how many events the next run would see.
func (s *Server) PreviewAttribution(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	var query previewQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(query.Email) == "" && strings.TrimSpace(query.Domain) == "" {
		AbortWithError(c, newValidationError("email", "required", "email or domain is required"))
		return
	}

	occurredAt, err := parseOptionalTime(query.OccurredAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("occurred_at", "invalid_occurred_at", "invalid occurred_at"))
		return
	}
	at := s.clock.Now()
	if occurredAt != nil {
		at = occurredAt.UTC()
	}

	ctx := c.Request.Context()
	result, err := s.matcher.Preview(ctx, attributiondomain.PreviewRequest{
		TenantID:   tenantID,
		Email:      query.Email,
		Domain:     query.Domain,
		OccurredAt: at,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pending, err := s.trigger.PendingEvents(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":           result,
		"occurred_at":    at.Format(time.RFC3339),
		"pending_events": pending,
	})
}
