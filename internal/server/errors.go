package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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
	ErrRateLimited     = errors.New("rate_limited")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrFeatureDisabled = errors.New("feature_disabled")
)

// FeatureDeniedError carries the permission reason, which is a fixed domain
// message and safe to return to the caller.
type FeatureDeniedError struct {
	Feature string
	Reason  string
}

func (e *FeatureDeniedError) Error() string { return "feature " + e.Feature + " denied: " + e.Reason }
func (e *FeatureDeniedError) Unwrap() error { return ErrFeatureDisabled }

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

// mapError never echoes the underlying message; callers only learn the class of failure.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.Is(err, ErrRateLimited), corerr.Is(err, corerr.QuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "rate limit exceeded"}
	case errors.Is(err, ErrTenantNotFound), errors.Is(err, tenantdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "tenant not found"}
	case errors.Is(err, ErrFeatureDisabled):
		message := "feature not available"
		var denied *FeatureDeniedError
		if errors.As(err, &denied) && denied.Reason != "" {
			message = denied.Reason
		}
		return http.StatusForbidden, errorPayload{Type: "feature_disabled", Message: message}
	}

	switch corerr.KindOf(err) {
	case corerr.NotFound:
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case corerr.ValidationFailed:
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: "request", Code: "invalid_request", Message: "invalid request"}},
		}
	case corerr.StatementTimeout:
		return http.StatusGatewayTimeout, errorPayload{Type: "timeout", Message: "request timed out"}
	case corerr.PoolExhausted, corerr.ConnectTimeout, corerr.UpstreamUnavailable:
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server", string(corerr.KindOf(err))
	}
	return "client", payload.Type
}
