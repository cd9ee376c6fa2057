package server

import (
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const contextTenantIDKey = "tenant_id"

// TenantParam parses :tenant_id once for every tenant-scoped route.
func TenantParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := snowflake.ParseString(strings.TrimSpace(c.Param("tenant_id")))
		if err != nil || tenantID <= 0 {
			AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant_id"))
			return
		}
		c.Set(contextTenantIDKey, tenantID)
		c.Next()
	}
}

func tenantIDFromContext(c *gin.Context) snowflake.ID {
	if value, ok := c.Get(contextTenantIDKey); ok {
		if id, ok := value.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return 0, false
	}
	return id, true
}

// bindOptionalJSON binds a JSON body when one was sent.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// TriggerRateLimit throttles manual triggers per tenant. Limiter errors fail open.
func (s *Server) TriggerRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.triggerLimiter.Enabled() {
			c.Next()
			return
		}

		tenantID := tenantIDFromContext(c)
		res, err := s.triggerLimiter.AllowTenant(c.Request.Context(), tenantID.String())
		if err != nil {
			zap.L().Warn("trigger rate limit check failed", zap.String("tenant_id", tenantID.String()), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
