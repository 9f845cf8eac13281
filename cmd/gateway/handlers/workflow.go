package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/middleware"
	gwmodels "github.com/anthive/orchestrator/cmd/gateway/models"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// WorkflowStore persists workflow definitions.
// *repository.WorkflowRepository satisfies it.
type WorkflowStore interface {
	Create(ctx context.Context, w *models.Workflow) error
	GetByID(ctx context.Context, tenantID, id string) (*models.Workflow, error)
	GetByName(ctx context.Context, tenantID, name string) (*models.Workflow, error)
	List(ctx context.Context, tenantID string, limit int) ([]*models.Workflow, error)
	Update(ctx context.Context, w *models.Workflow) error
	Delete(ctx context.Context, tenantID, id string) error
}

// WorkflowHandler serves workflow definition CRUD. The conductor loads
// definitions by id at run time; this is where they come from.
type WorkflowHandler struct {
	store WorkflowStore
	log   Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(store WorkflowStore, log Logger) *WorkflowHandler {
	return &WorkflowHandler{store: store, log: log}
}

// CreateWorkflow validates and stores a new definition. Names are
// unique per tenant; a duplicate reports conflict.
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	var req gwmodels.CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, faults.Validation("malformed request body"))
	}

	w := &models.Workflow{
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
	}
	if err := h.store.Create(c.Request().Context(), w); err != nil {
		return respondError(c, err)
	}

	h.log.Info("workflow created", "workflow_id", w.ID, "tenant_id", tenantID, "name", w.Name)
	return c.JSON(http.StatusCreated, w)
}

// GetWorkflow returns one definition by id.
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if _, err := validation.Validate(id, validation.KindWorkflow); err != nil {
		return respondError(c, err)
	}

	w, err := h.store.GetByID(c.Request().Context(), tenantID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

// ListWorkflows pages the tenant's definitions. A name query narrows
// the page to the single match, empty when absent.
// GET /api/v1/workflows?name=review&limit=50
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	if name := c.QueryParam("name"); name != "" {
		if _, err := validation.Validate(name, validation.KindWorkflow); err != nil {
			return respondError(c, err)
		}
		w, err := h.store.GetByName(c.Request().Context(), tenantID, name)
		if faults.Is(err, faults.KindNotFound) {
			return c.JSON(http.StatusOK, gwmodels.WorkflowListResponse{Workflows: []*models.Workflow{}})
		}
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, gwmodels.WorkflowListResponse{
			Workflows: []*models.Workflow{w},
			Count:     1,
		})
	}

	list, err := h.store.List(c.Request().Context(), tenantID, parseLimit(c, 50, 200))
	if err != nil {
		return respondError(c, err)
	}
	if list == nil {
		list = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, gwmodels.WorkflowListResponse{Workflows: list, Count: len(list)})
}

// PatchWorkflow applies an RFC 7396 merge patch to a definition and
// re-validates the result. Identity fields are pinned: a patch cannot
// move a workflow between tenants or rewrite its id.
// PATCH /api/v1/workflows/:id
func (h *WorkflowHandler) PatchWorkflow(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if _, err := validation.Validate(id, validation.KindWorkflow); err != nil {
		return respondError(c, err)
	}

	patch, err := readBody(c)
	if err != nil {
		return respondError(c, err)
	}

	current, err := h.store.GetByID(c.Request().Context(), tenantID, id)
	if err != nil {
		return respondError(c, err)
	}

	original, err := json.Marshal(current)
	if err != nil {
		return respondError(c, faults.Permanent(err, "failed to encode workflow %s", id))
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return respondError(c, faults.Validation("merge patch failed: %v", err))
	}

	var next models.Workflow
	if err := json.Unmarshal(merged, &next); err != nil {
		return respondError(c, faults.Validation("patched workflow is not well-formed: %v", err))
	}
	next.ID = current.ID
	next.TenantID = current.TenantID
	next.CreatedAt = current.CreatedAt

	if err := h.store.Update(c.Request().Context(), &next); err != nil {
		return respondError(c, err)
	}

	h.log.Info("workflow patched", "workflow_id", id, "tenant_id", tenantID)
	return c.JSON(http.StatusOK, &next)
}

// DeleteWorkflow removes a definition. Existing runs keep their copy of
// the graph; only future submissions lose the reference.
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if _, err := validation.Validate(id, validation.KindWorkflow); err != nil {
		return respondError(c, err)
	}

	if err := h.store.Delete(c.Request().Context(), tenantID, id); err != nil {
		return respondError(c, err)
	}
	h.log.Info("workflow deleted", "workflow_id", id, "tenant_id", tenantID)
	return c.NoContent(http.StatusNoContent)
}

// readBody drains the raw request body for endpoints that take
// non-struct JSON (the merge patch document).
func readBody(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, faults.Validation("request body is not valid JSON")
	}
	return raw, nil
}
