package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	"github.com/smallbiznis/attribution/internal/locker"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/reconciliation/lifecycle"
	"github.com/smallbiznis/attribution/pkg/db"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var transitionErr *lifecycle.TransitionError
	if errors.As(err, &transitionErr) {
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: transitionErr.Error(),
		}
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, locker.ErrLockBusy):
		return http.StatusConflict, errorPayload{
			Type:    "lock_busy",
			Message: "tenant is being processed, retry later",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, reconciliationdomain.ErrBillingNotConfigured):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "billing_not_configured",
			Message: "billing is not configured for this tenant",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, attributiondomain.ErrInvalidTenant),
		errors.Is(err, attributiondomain.ErrInvalidEvent),
		errors.Is(err, attributiondomain.ErrInvalidDomain),
		errors.Is(err, jobdomain.ErrInvalidTenant),
		errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, jobdomain.ErrInvalidJob),
		errors.Is(err, reconciliationdomain.ErrInvalidTenant),
		errors.Is(err, reconciliationdomain.ErrInvalidBillingConfig),
		errors.Is(err, reconciliationdomain.ErrInvalidPeriod),
		errors.Is(err, reconciliationdomain.ErrInvalidRevenue),
		errors.Is(err, reconciliationdomain.ErrInvalidLineItemStatus):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, attributiondomain.ErrInvalidDomainTransition),
		errors.Is(err, attributiondomain.ErrDomainAlreadyExists),
		errors.Is(err, jobdomain.ErrJobTerminal),
		errors.Is(err, jobdomain.ErrInvalidJobTransition),
		errors.Is(err, reconciliationdomain.ErrPeriodExists),
		errors.Is(err, reconciliationdomain.ErrPeriodLocked),
		errors.Is(err, reconciliationdomain.ErrReviewWindowOpen),
		errors.Is(err, reconciliationdomain.ErrLineItemDisputed),
		db.IsDuplicateKeyErr(err):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	for _, sentinel := range []error{
		attributiondomain.ErrInvalidDomainTransition,
		attributiondomain.ErrDomainAlreadyExists,
		jobdomain.ErrJobTerminal,
		jobdomain.ErrInvalidJobTransition,
		reconciliationdomain.ErrPeriodExists,
		reconciliationdomain.ErrPeriodLocked,
		reconciliationdomain.ErrReviewWindowOpen,
		reconciliationdomain.ErrLineItemDisputed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, attributiondomain.ErrDomainNotFound),
		errors.Is(err, jobdomain.ErrJobNotFound),
		errors.Is(err, reconciliationdomain.ErrPeriodNotFound),
		errors.Is(err, reconciliationdomain.ErrLineItemNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return pagination.ErrInvalidPageToken.Error()
	}
	for _, sentinel := range []error{
		attributiondomain.ErrInvalidTenant,
		attributiondomain.ErrInvalidEvent,
		attributiondomain.ErrInvalidDomain,
		jobdomain.ErrInvalidJob,
		auditdomain.ErrInvalidTimeRange,
		reconciliationdomain.ErrInvalidBillingConfig,
		reconciliationdomain.ErrInvalidPeriod,
		reconciliationdomain.ErrInvalidRevenue,
		reconciliationdomain.ErrInvalidLineItemStatus,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog returns the (error_type, error_code) pair attached to request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status >= http.StatusInternalServerError:
		return "server", code
	default:
		return "client", code
	}
}
