package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tenantcore/internal/observability/context"
	"github.com/smallbiznis/tenantcore/internal/observability/logger"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"go.uber.org/zap"
)

const (
	contextTenantKey = "tenant"
	contextMethodKey = "tenant_method"
)

// TenantMiddleware identifies the tenant, charges one unit of operation and
// records the request latency with the engine.
func (s *Server) TenantMiddleware(operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			s.engine.RecordRequest(time.Since(start))
			if s.failed(c) {
				s.engine.RecordError()
			}
		}()

		ctx := c.Request.Context()
		ident, err := s.tenants.IdentifyTenant(ctx, requestOf(c))
		if err != nil {
			if corerr.Is(err, corerr.NotFound) {
				AbortWithError(c, ErrTenantNotFound)
				return
			}
			logger.FromContext(ctx).Error("tenant identification failed", zap.Error(err))
			AbortWithError(c, err)
			return
		}

		tenantID := ident.Tenant.ID
		ctx = obscontext.WithTenantID(ctx, tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextTenantKey, ident.Tenant)
		c.Set(contextMethodKey, string(ident.Method))

		rl, err := s.tenants.CheckRateLimit(ctx, tenantID, operation)
		if err != nil {
			logger.FromContext(ctx).Error("rate limit check failed", zap.Error(err))
			AbortWithError(c, err)
			return
		}
		setRateLimitHeaders(c, rl)
		if !rl.Allowed {
			retry := rl.RetryAfter(s.now())
			c.Header("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
			logger.FromContext(ctx).Info("rate limit exceeded", zap.String("operation", operation))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

// failed reports a server-side failure; quota denials and unknown tenants are not errors.
func (s *Server) failed(c *gin.Context) bool {
	if last := c.Errors.Last(); last != nil {
		status, _ := mapError(last.Err)
		return status >= http.StatusInternalServerError
	}
	return c.Writer.Status() >= http.StatusInternalServerError
}

func setRateLimitHeaders(c *gin.Context, rl *tenantdomain.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(rl.ResetTime.Unix(), 10))
}

func requestOf(c *gin.Context) tenantdomain.Request {
	headers := make(map[string]string, 2)
	for _, name := range []string{"X-API-Key", "Authorization"} {
		if v := strings.TrimSpace(c.GetHeader(name)); v != "" {
			headers[strings.ToLower(name)] = v
		}
	}
	return tenantdomain.Request{
		Hostname: c.Request.Host,
		Path:     c.Request.URL.Path,
		Headers:  headers,
	}
}

func tenantFrom(c *gin.Context) (*tenantdomain.Tenant, bool) {
	v, ok := c.Get(contextTenantKey)
	if !ok {
		return nil, false
	}
	t, ok := v.(*tenantdomain.Tenant)
	return t, ok && t != nil
}
