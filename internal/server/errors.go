package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/identity"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/smallbiznis/soldiers/internal/sweep"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
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
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: validationErrorMessage(err),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, entdomain.ErrSessionOwnerMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, entdomain.ErrPaymentNotCompleted):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_not_completed",
			Message: "payment not completed",
		}
	case errors.Is(err, entdomain.ErrConflict),
		errors.Is(err, entdomain.ErrNoCustomer):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, entdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case providerdomain.IsProviderError(err):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_error",
			Message: "payment provider unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, providerdomain.ErrNotConfigured),
		errors.Is(err, identity.ErrNotConfigured):
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
		errors.Is(err, providerdomain.ErrInvalidSignature),
		errors.Is(err, providerdomain.ErrInvalidPayload),
		errors.Is(err, sweep.ErrInvalidConfig):
		return true
	default:
		return entdomain.IsValidationError(err)
	}
}

func validationErrorField(err error) string {
	switch {
	case errors.Is(err, entdomain.ErrInvalidOwner):
		return "owner_id"
	case errors.Is(err, entdomain.ErrInvalidEmail):
		return "email"
	case errors.Is(err, entdomain.ErrInvalidSession):
		return "session_id"
	case errors.Is(err, entdomain.ErrInvalidCapability):
		return "capabilities"
	case errors.Is(err, entdomain.ErrInvalidPlan):
		return "plan"
	case errors.Is(err, entdomain.ErrInvalidPrice):
		return "price_id"
	case errors.Is(err, providerdomain.ErrInvalidSignature):
		return "Stripe-Signature"
	default:
		return "request"
	}
}

func validationErrorMessage(err error) string {
	switch {
	case errors.Is(err, entdomain.ErrInvalidOwner):
		return "owner id is required"
	case errors.Is(err, entdomain.ErrInvalidEmail):
		return "no email is known for this owner"
	case errors.Is(err, entdomain.ErrInvalidSession):
		return "unknown checkout session"
	case errors.Is(err, entdomain.ErrInvalidCapability):
		return "unknown or missing capability"
	case errors.Is(err, entdomain.ErrInvalidPlan):
		return "invalid plan, interval or expiry"
	case errors.Is(err, entdomain.ErrInvalidPrice):
		return "invalid price or checkout mode"
	case errors.Is(err, providerdomain.ErrInvalidSignature):
		return "webhook signature verification failed"
	case errors.Is(err, providerdomain.ErrInvalidPayload):
		return "webhook payload could not be decoded"
	default:
		return "invalid request"
	}
}

// classifyErrorForLog returns the error type and code logged per request.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		return payload.Type, "internal"
	}
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
