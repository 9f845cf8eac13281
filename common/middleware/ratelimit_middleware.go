package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/common/ratelimit"
)

// isInternalRequest reports whether the request carries the shared
// internal-service secret. Internal callers bypass rate limits so that
// service-to-service traffic is never throttled behind tenant quotas.
// An empty configured secret disables the bypass entirely.
func isInternalRequest(c echo.Context, secret string) bool {
	if secret == "" {
		return false
	}
	header := c.Request().Header.Get("X-Internal-Service")
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

// GlobalRateLimit enforces the service-wide request ceiling. Limiter
// errors fail open: an unreachable counter must not take the API down
// with it.
func GlobalRateLimit(limiter *ratelimit.RateLimiter, limit int64, internalSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c, internalSecret) {
				return next(c)
			}

			result, err := limiter.CheckGlobal(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "service is at capacity, retry later",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// TenantRateLimit enforces the per-tenant request quota. It reads the
// tenant resolved by the auth middleware from the request context;
// requests without one (health probes, unauthenticated routes) pass
// through untouched.
func TenantRateLimit(limiter *ratelimit.RateLimiter, limit int64, internalSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c, internalSecret) {
				return next(c)
			}

			tenantID, ok := c.Get("tenant_id").(string)
			if !ok || tenantID == "" {
				return next(c)
			}

			result, err := limiter.CheckTenant(c.Request().Context(), tenantID, limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "tenant_rate_limit_exceeded",
					"message": "request quota exceeded, retry after the window resets",
					"details": map[string]interface{}{
						"tenant_id":           tenantID,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
