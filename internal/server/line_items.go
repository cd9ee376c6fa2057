package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
)

func (s *Server) ListLineItems(c *gin.Context) {
	periodID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	items, err := s.reconciliation.ListLineItems(c.Request.Context(), periodID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

type submitRevenueRequest struct {
	Revenue decimal.Decimal `json:"revenue"`
}

// SubmitRevenue records the client-reported revenue for one line item. The
// amount is accepted as a JSON string or number.
func (s *Server) SubmitRevenue(c *gin.Context) {
	itemID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req submitRevenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("revenue", "invalid_revenue", "invalid revenue"))
		return
	}

	item, err := s.reconciliation.SubmitRevenue(c.Request.Context(), reconciliationdomain.SubmitRevenueRequest{
		LineItemID: itemID,
		Revenue:    req.Revenue,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type setLineItemStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) SetLineItemStatus(c *gin.Context) {
	itemID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req setLineItemStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.reconciliation.SetLineItemStatus(c.Request.Context(), reconciliationdomain.SetLineItemStatusRequest{
		LineItemID: itemID,
		Status:     reconciliationdomain.LineItemStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
