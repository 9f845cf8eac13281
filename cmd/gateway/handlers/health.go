package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/queue"
	"github.com/anthive/orchestrator/common/records"
)

// probeTimeout bounds each dependency check so a hung backend cannot
// hang the probe.
const probeTimeout = 2 * time.Second

// HealthHandler probes the three backend primitives the gateway writes
// through.
type HealthHandler struct {
	version string
	queue   queue.Queue
	records records.Store
	blobs   blob.Store
	log     Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string, q queue.Queue, rec records.Store, blobs blob.Store, log Logger) *HealthHandler {
	return &HealthHandler{
		version: version,
		queue:   q,
		records: rec,
		blobs:   blobs,
		log:     log,
	}
}

// Health reports overall liveness plus per-dependency status. Any
// unreachable dependency turns the response into a 503 so load
// balancers stop routing here.
// GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()

	deps := map[string]string{
		"queue": h.probe(ctx, "queue", h.queue.Health),
		"store": h.probe(ctx, "store", h.records.Health),
		"blob":  h.probe(ctx, "blob", h.blobs.Health),
	}

	ok := true
	for _, status := range deps {
		if status != "ok" {
			ok = false
			break
		}
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]interface{}{
		"ok":           ok,
		"version":      h.version,
		"dependencies": deps,
	})
}

func (h *HealthHandler) probe(ctx context.Context, name string, check func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := check(ctx); err != nil {
		h.log.Warn("dependency unhealthy", "dependency", name, "error", err)
		return "unavailable"
	}
	return "ok"
}
