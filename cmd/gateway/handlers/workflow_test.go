package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	gwmodels "github.com/anthive/orchestrator/cmd/gateway/models"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

// fakeWorkflowStore mirrors the repository semantics: validate before
// write, per-tenant unique names, not_found on missing rows.
type fakeWorkflowStore struct {
	byID map[string]*models.Workflow
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{byID: make(map[string]*models.Workflow)}
}

func (s *fakeWorkflowStore) key(tenantID, id string) string { return tenantID + "/" + id }

func (s *fakeWorkflowStore) Create(_ context.Context, w *models.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	for _, existing := range s.byID {
		if existing.TenantID == w.TenantID && existing.Name == w.Name {
			return faults.Conflict("workflow %q already exists for tenant %s", w.Name, w.TenantID)
		}
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	cp := *w
	s.byID[s.key(w.TenantID, w.ID)] = &cp
	return nil
}

func (s *fakeWorkflowStore) GetByID(_ context.Context, tenantID, id string) (*models.Workflow, error) {
	w, ok := s.byID[s.key(tenantID, id)]
	if !ok {
		return nil, faults.NotFound("workflow %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (s *fakeWorkflowStore) GetByName(_ context.Context, tenantID, name string) (*models.Workflow, error) {
	for _, w := range s.byID {
		if w.TenantID == tenantID && w.Name == name {
			cp := *w
			return &cp, nil
		}
	}
	return nil, faults.NotFound("workflow %s not found", name)
}

func (s *fakeWorkflowStore) List(_ context.Context, tenantID string, limit int) ([]*models.Workflow, error) {
	var out []*models.Workflow
	for _, w := range s.byID {
		if w.TenantID != tenantID {
			continue
		}
		cp := *w
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeWorkflowStore) Update(_ context.Context, w *models.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if _, ok := s.byID[s.key(w.TenantID, w.ID)]; !ok {
		return faults.NotFound("workflow %s not found", w.ID)
	}
	w.UpdatedAt = time.Now().UTC()
	cp := *w
	s.byID[s.key(w.TenantID, w.ID)] = &cp
	return nil
}

func (s *fakeWorkflowStore) Delete(_ context.Context, tenantID, id string) error {
	if _, ok := s.byID[s.key(tenantID, id)]; !ok {
		return faults.NotFound("workflow %s not found", id)
	}
	delete(s.byID, s.key(tenantID, id))
	return nil
}

func validGraph() ([]models.Node, []models.Edge) {
	nodes := []models.Node{
		{ID: "plan", Name: "plan", Kind: models.NodeSingle, PromptTemplate: "plan {{input}}"},
		{ID: "build", Name: "build", Kind: models.NodeSingle, PromptTemplate: "build {{plan}}"},
	}
	edges := []models.Edge{
		{From: models.StartNode, To: "plan"},
		{From: "plan", To: "build"},
		{From: "build", To: models.EndNode},
	}
	return nodes, edges
}

func createBody(t *testing.T, name string) string {
	t.Helper()
	nodes, edges := validGraph()
	body, err := json.Marshal(gwmodels.CreateWorkflowRequest{
		Name:        name,
		Description: "test graph",
		Nodes:       nodes,
		Edges:       edges,
	})
	require.NoError(t, err)
	return string(body)
}

func seedWorkflow(t *testing.T, store *fakeWorkflowStore, tenantID, name string) *models.Workflow {
	t.Helper()
	nodes, edges := validGraph()
	w := &models.Workflow{TenantID: tenantID, Name: name, Nodes: nodes, Edges: edges}
	require.NoError(t, store.Create(context.Background(), w))
	return w
}

func TestCreateWorkflow(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})

	c, rec := request(t, "acme", http.MethodPost, "/api/v1/workflows", createBody(t, "review-pipeline"))
	require.NoError(t, h.CreateWorkflow(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "acme", resp.TenantID)
	assert.Equal(t, "review-pipeline", resp.Name)

	stored, err := store.GetByID(context.Background(), "acme", resp.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 2)
}

func TestCreateWorkflowDuplicateName(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	seedWorkflow(t, store, "acme", "review-pipeline")

	c, rec := request(t, "acme", http.MethodPost, "/api/v1/workflows", createBody(t, "review-pipeline"))
	require.NoError(t, h.CreateWorkflow(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", gjson.GetBytes(rec.Body.Bytes(), "error").String())
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})

	nodes, _ := validGraph()
	body, err := json.Marshal(gwmodels.CreateWorkflowRequest{
		Name:  "loop",
		Nodes: nodes,
		Edges: []models.Edge{
			{From: models.StartNode, To: "plan"},
			{From: "plan", To: "build"},
			{From: "build", To: "plan"},
		},
	})
	require.NoError(t, err)

	c, rec := request(t, "acme", http.MethodPost, "/api/v1/workflows", string(body))
	require.NoError(t, h.CreateWorkflow(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycle")
}

func TestGetWorkflow(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")

	c, rec := request(t, "acme", http.MethodGet, "/api/v1/workflows/"+w.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.GetWorkflow(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, w.ID, gjson.GetBytes(rec.Body.Bytes(), "id").String())
}

func TestGetWorkflowRejectsBadIdentifier(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})

	c, rec := request(t, "acme", http.MethodGet, "/api/v1/workflows/..%2Fetc", "")
	c.SetParamNames("id")
	c.SetParamValues("../etc")
	require.NoError(t, h.GetWorkflow(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", gjson.GetBytes(rec.Body.Bytes(), "error").String())
}

func TestGetWorkflowUnknown(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})

	c, rec := request(t, "acme", http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	require.NoError(t, h.GetWorkflow(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflowsByName(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")
	seedWorkflow(t, store, "acme", "deploy-pipeline")

	c, rec := request(t, "acme", http.MethodGet, "/api/v1/workflows?name=review-pipeline", "")
	require.NoError(t, h.ListWorkflows(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gwmodels.WorkflowListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, w.ID, resp.Workflows[0].ID)

	// An absent name is an empty page, not an error.
	c, rec = request(t, "acme", http.MethodGet, "/api/v1/workflows?name=missing", "")
	require.NoError(t, h.ListWorkflows(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Workflows)
}

func TestListWorkflowsScopedToTenant(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	seedWorkflow(t, store, "acme", "review-pipeline")
	seedWorkflow(t, store, "globex", "other-pipeline")

	c, rec := request(t, "acme", http.MethodGet, "/api/v1/workflows", "")
	require.NoError(t, h.ListWorkflows(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gwmodels.WorkflowListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "review-pipeline", resp.Workflows[0].Name)
}

func TestPatchWorkflowMergesAndPinsIdentity(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")

	patch := `{"description":"v2","tenant_id":"globex","id":"hijacked"}`
	c, rec := request(t, "acme", http.MethodPatch, "/api/v1/workflows/"+w.ID, patch)
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.PatchWorkflow(c))
	require.Equal(t, http.StatusOK, rec.Code)

	got := gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, "v2", got.Get("description").String())
	assert.Equal(t, w.ID, got.Get("id").String())
	assert.Equal(t, "acme", got.Get("tenant_id").String())

	stored, err := store.GetByID(context.Background(), "acme", w.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Description)
	assert.Equal(t, w.CreatedAt, stored.CreatedAt)
}

func TestPatchWorkflowRejectsBrokenGraph(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")

	// Dropping every edge leaves the graph without a start.
	c, rec := request(t, "acme", http.MethodPatch, "/api/v1/workflows/"+w.ID, `{"edges":[]}`)
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.PatchWorkflow(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stored, err := store.GetByID(context.Background(), "acme", w.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Edges, 3)
}

func TestPatchWorkflowRejectsNonJSONBody(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")

	c, rec := request(t, "acme", http.MethodPatch, "/api/v1/workflows/"+w.ID, `not json`)
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.PatchWorkflow(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	store := newFakeWorkflowStore()
	h := NewWorkflowHandler(store, &testLogger{t})
	w := seedWorkflow(t, store, "acme", "review-pipeline")

	c, rec := request(t, "acme", http.MethodDelete, "/api/v1/workflows/"+w.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.DeleteWorkflow(c))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := store.GetByID(context.Background(), "acme", w.ID)
	require.Error(t, err)

	// Deleting again is not_found.
	c, rec = request(t, "acme", http.MethodDelete, "/api/v1/workflows/"+w.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(w.ID)
	require.NoError(t, h.DeleteWorkflow(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
