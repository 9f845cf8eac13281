// Package handlers implements the gateway's HTTP endpoints: job
// submission and inspection, workflow definition CRUD, run inspection,
// swarm board summaries, and the dependency health probe.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/common/faults"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// statusFor maps a fault kind onto an HTTP status. Unclassified and
// internal kinds collapse to 500; the body still names the kind so
// operators can tell them apart.
func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindConflict:
		return http.StatusConflict
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	case faults.KindTransientBackend:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the classified error as JSON. Server-side kinds
// hide the message behind a generic line; client kinds carry it
// verbatim.
func respondError(c echo.Context, err error) error {
	kind := faults.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		message = "internal error"
	}

	return c.JSON(status, map[string]interface{}{
		"error":   string(kind),
		"message": message,
	})
}

// parseLimit reads a limit query param with a default and an upper cap.
func parseLimit(c echo.Context, def, max int) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
