// Package middleware resolves inbound credentials onto tenants. Every
// authenticated route group runs Authenticate; handlers read the tenant
// back with RequireTenant. Nothing downstream ever sees the credential.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/common/tenant"
)

// TenantKey is the echo context key holding the resolved tenant id.
const TenantKey = "tenant_id"

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Authenticate maps the X-API-Key header onto a tenant id and stores it
// in the request context. With auth disabled every request runs as the
// reserved default tenant; with auth enabled a missing or unknown
// credential is a 401 before any handler runs.
func Authenticate(resolver tenant.Resolver, enabled bool, log Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !enabled {
				c.Set(TenantKey, tenant.Default)
				return next(c)
			}

			credential := c.Request().Header.Get("X-API-Key")
			if credential == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error":   "unauthorized",
					"message": "X-API-Key header is required",
				})
			}

			tenantID, err := resolver.Resolve(c.Request().Context(), credential)
			if err != nil {
				log.Warn("credential rejected", "remote", c.RealIP(), "error", err)
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error":   "unauthorized",
					"message": "unknown credential",
				})
			}

			c.Set(TenantKey, tenantID)
			return next(c)
		}
	}
}

// GetTenant returns the tenant id from the request context, or "" when
// the route skipped Authenticate.
func GetTenant(c echo.Context) string {
	tenantID, ok := c.Get(TenantKey).(string)
	if !ok {
		return ""
	}
	return tenantID
}

// RequireTenant returns the tenant id or writes a 401 and returns a
// non-nil error the handler should pass straight back. The response is
// already committed by then, so echo will not write a second body.
func RequireTenant(c echo.Context) (string, error) {
	tenantID := GetTenant(c)
	if tenantID == "" {
		if err := c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error":   "unauthorized",
			"message": "no tenant resolved for this request",
		}); err != nil {
			return "", err
		}
		return "", echo.ErrUnauthorized
	}
	return tenantID, nil
}
