package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
)

type listDomainsQuery struct {
	Status    string `form:"status"`
	PageToken string `form:"page_token"`
	PageSize  string `form:"page_size"`
}

func (s *Server) ListDomains(c *gin.Context) {
	tenantID := tenantIDFromContext(c)

	var query listDomainsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	pageSize, err := parsePageSize(query.PageSize)
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.domainSvc.List(c.Request.Context(), attributiondomain.ListDomainsRequest{
		TenantID:  tenantID,
		Status:    attributiondomain.DomainStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": resp.Domains,
		"page_info": gin.H{
			"next_page_token": resp.NextPageToken,
			"has_more":        resp.HasMore,
		},
	})
}

func (s *Server) GetDomain(c *gin.Context) {
	record, err := s.domainSvc.Get(c.Request.Context(), tenantIDFromContext(c), c.Param("domain"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) GetDomainTimeline(c *gin.Context) {
	events, err := s.domainSvc.Timeline(c.Request.Context(), tenantIDFromContext(c), c.Param("domain"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RequestDomainDispute(c *gin.Context) {
	var req disputeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.domainSvc.RequestDispute(c.Request.Context(), attributiondomain.RequestDisputeRequest{
		TenantID: tenantIDFromContext(c),
		Domain:   c.Param("domain"),
		Reason:   req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

type resolveDisputeRequest struct {
	Approve *bool `json:"approve"`
}

// ResolveDomainDispute approves (domain becomes DISPUTED and its pending line
// items are released) or rejects (domain returns to ATTRIBUTED) a dispute.
func (s *Server) ResolveDomainDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approve == nil {
		AbortWithError(c, newValidationError("approve", "required", "approve is required"))
		return
	}

	record, err := s.domainSvc.ResolveDispute(c.Request.Context(), attributiondomain.ResolveDisputeRequest{
		TenantID: tenantIDFromContext(c),
		Domain:   c.Param("domain"),
		Approve:  *req.Approve,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) PromoteDomain(c *gin.Context) {
	record, err := s.domainSvc.Promote(c.Request.Context(), tenantIDFromContext(c), c.Param("domain"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

type markManualRequest struct {
	At string `json:"at"`
}

func (s *Server) MarkDomainManual(c *gin.Context) {
	var req markManualRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	at := s.clock.Now()
	parsed, err := parseOptionalTime(req.At, false)
	if err != nil {
		AbortWithError(c, newValidationError("at", "invalid_at", "invalid at"))
		return
	}
	if parsed != nil {
		at = parsed.UTC()
	}

	record, err := s.domainSvc.MarkManual(c.Request.Context(), attributiondomain.MarkManualRequest{
		TenantID: tenantIDFromContext(c),
		Domain:   c.Param("domain"),
		At:       at,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": record})
}
