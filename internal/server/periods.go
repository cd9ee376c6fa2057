package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/attribution/internal/locker"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
)

func (s *Server) SyncBilling(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	result, err := s.reconciliation.SyncTenant(c.Request.Context(), tenantID)
	if errors.Is(err, locker.ErrLockBusy) {
		// a sync for this tenant is already running; it covers this request
		c.JSON(http.StatusAccepted, gin.H{"data": gin.H{
			"tenant_id":   tenantID.String(),
			"in_progress": true,
		}})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type listPeriodsQuery struct {
	Status    string `form:"status"`
	PageToken string `form:"page_token"`
	PageSize  string `form:"page_size"`
}

func (s *Server) ListPeriods(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	var query listPeriodsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := reconciliationdomain.PeriodStatus(strings.ToUpper(strings.TrimSpace(query.Status)))
	if status != "" && !status.Valid() {
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}
	pageSize, err := parsePageSize(query.PageSize)
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.reconciliation.ListPeriods(c.Request.Context(), reconciliationdomain.ListPeriodsRequest{
		TenantID:  tenantID,
		Status:    status,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": resp.Periods,
		"page_info": gin.H{
			"next_page_token": resp.NextPageToken,
			"has_more":        resp.HasMore,
		},
	})
}

type createPeriodRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) CreatePeriod(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	var req createPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "invalid start_date"))
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		AbortWithError(c, newValidationError("end_date", "invalid_end_date", "invalid end_date"))
		return
	}

	period, err := s.reconciliation.CreateManualPeriod(c.Request.Context(), reconciliationdomain.CreatePeriodRequest{
		TenantID:  tenantID,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": period})
}

type transitionPeriodRequest struct {
	Status string `json:"status"`
}

func (s *Server) TransitionPeriod(c *gin.Context) {
	periodID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req transitionPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	to := reconciliationdomain.PeriodStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	period, err := s.reconciliation.TransitionPeriod(c.Request.Context(), reconciliationdomain.TransitionPeriodRequest{
		PeriodID: periodID,
		To:       to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": period})
}
