package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/middleware"
	gwmodels "github.com/anthive/orchestrator/cmd/gateway/models"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// RunStore reads workflow runs. *repository.RunRepository satisfies it.
type RunStore interface {
	GetByID(ctx context.Context, tenantID, runID string) (*models.Run, error)
	List(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.Run, error)
}

// RunHandler serves read-only run inspection. Runs are created and
// driven by the conductor; the gateway only reports on them.
type RunHandler struct {
	store RunStore
	log   Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(store RunStore, log Logger) *RunHandler {
	return &RunHandler{store: store, log: log}
}

// GetRun returns one run with its context and node counts.
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	runID := c.Param("id")
	if _, err := validation.Validate(runID, validation.KindRun); err != nil {
		return respondError(c, err)
	}

	run, err := h.store.GetByID(c.Request().Context(), tenantID, runID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns pages the tenant's runs with an optional status filter.
// GET /api/v1/runs?status=running&limit=50
func (h *RunHandler) ListRuns(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	var status models.RunStatus
	if raw := c.QueryParam("status"); raw != "" {
		status = models.RunStatus(raw)
		if !knownRunStatus(status) {
			return respondError(c, faults.Validation("unknown status %q", raw))
		}
	}

	runs, err := h.store.List(c.Request().Context(), tenantID, status, parseLimit(c, 50, 200))
	if err != nil {
		return respondError(c, err)
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return c.JSON(http.StatusOK, gwmodels.RunListResponse{Runs: runs, Count: len(runs)})
}

func knownRunStatus(s models.RunStatus) bool {
	switch s {
	case models.RunPending, models.RunRunning, models.RunCompleted,
		models.RunFailed, models.RunCancelled:
		return true
	}
	return false
}
