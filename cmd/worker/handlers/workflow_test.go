package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

func storedWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:   "wf-1",
		Name: "review",
		Nodes: []models.Node{
			{ID: "scan", Name: "Scan", Kind: models.NodeSingle, PromptTemplate: "scan it"},
		},
		Edges: []models.Edge{
			{From: models.StartNode, To: "scan"},
			{From: "scan", To: models.EndNode},
		},
	}
}

func finishedRun(output string) *models.Run {
	return &models.Run{
		ID:             "run-7",
		Status:         models.RunCompleted,
		TotalNodes:     2,
		CompletedNodes: 2,
		Output:         json.RawMessage(output),
	}
}

func TestWorkflowRunsStoredDefinition(t *testing.T) {
	source := &fakeSource{wf: storedWorkflow()}
	cond := &fakeConductor{run: finishedRun(
		`{"findings":[{"kind":"discovery","content":"cache is cold","node_id":"scan"}],` +
			`"files_modified":["a.go","b.go"],"score":9}`)}
	h := NewWorkflow(source, cond, testLog())
	jc := testJobContext(t)

	res, err := h.Handle(context.Background(), jc, json.RawMessage(`{"workflow_id":"wf-1"}`))
	require.NoError(t, err)

	assert.Equal(t, "acme", source.gotTenant)
	assert.Equal(t, "wf-1", source.gotID)

	spec := cond.spec(t)
	assert.Equal(t, "acme", spec.TenantID)
	assert.Equal(t, source.wf, spec.Workflow)
	assert.Equal(t, jc.WorkspaceDir, spec.Workspace)
	assert.True(t, spec.InjectContext, "inject_context defaults on when absent")

	doc := gjson.ParseBytes(res.ResultJSON)
	assert.Equal(t, "run-7", doc.Get("run_id").String())
	assert.Contains(t, doc.Get("summary").String(), "2/2 nodes completed")
	assert.Contains(t, doc.Get("summary").String(), "1 findings")
	require.Len(t, doc.Get("findings").Array(), 1)
	assert.Equal(t, "cache is cold", doc.Get("findings.0.content").String())

	require.Len(t, res.Findings, 1)
	assert.Equal(t, models.FindingKind("discovery"), res.Findings[0].Kind)
	assert.Equal(t, []string{"a.go", "b.go"}, res.FilesModified)
	assert.Equal(t, doc.Get("summary").String(), res.ResultText)
}

func TestWorkflowInlineGraph(t *testing.T) {
	source := &fakeSource{}
	cond := &fakeConductor{}
	h := NewWorkflow(source, cond, testLog())

	payload := json.RawMessage(`{
		"nodes":[{"id":"review","name":"Review","kind":"single","prompt_template":"look at {{context.target}}"}],
		"edges":[{"from":"__start__","to":"review"},{"from":"review","to":"__end__"}],
		"input":{"target":"auth"}
	}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.NoError(t, err)

	assert.Empty(t, source.gotID, "inline graphs never hit the store")
	spec := cond.spec(t)
	require.NotNil(t, spec.Workflow)
	assert.Equal(t, "adhoc", spec.Workflow.Name)
	require.Len(t, spec.Workflow.Nodes, 1)
	assert.Equal(t, "review", spec.Workflow.Nodes[0].ID)
	assert.JSONEq(t, `{"target":"auth"}`, string(spec.Input))
}

func TestWorkflowInjectContextOptOut(t *testing.T) {
	cond := &fakeConductor{}
	h := NewWorkflow(&fakeSource{wf: storedWorkflow()}, cond, testLog())

	payload := json.RawMessage(`{"workflow_id":"wf-1","inject_context":false}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.NoError(t, err)
	assert.False(t, cond.spec(t).InjectContext)
}

func TestWorkflowRejectsMissingGraph(t *testing.T) {
	h := NewWorkflow(&fakeSource{}, &fakeConductor{}, testLog())

	_, err := h.Handle(context.Background(), testJobContext(t), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "names no graph")
}

func TestAgentFarmShorthandBuildsSwarm(t *testing.T) {
	cond := &fakeConductor{}
	h := NewWorkflow(nil, cond, testLog())

	payload := json.RawMessage(`{"agent_count":3,"prompt":"map the dead code"}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.NoError(t, err)

	wf := cond.spec(t).Workflow
	require.NotNil(t, wf)
	assert.Equal(t, "agent-farm", wf.Name)
	require.Len(t, wf.Nodes, 1)
	node := wf.Nodes[0]
	assert.Equal(t, "farm", node.ID)
	assert.Equal(t, models.NodeSwarm, node.Kind)
	assert.Equal(t, "map the dead code", node.PromptTemplate)
	require.Len(t, node.Config.Roles, 3)
	assert.Equal(t, "agent-1", node.Config.Roles[0].Name)
	assert.Equal(t, "agent-3", node.Config.Roles[2].Name)
	require.Len(t, wf.Edges, 2)
	assert.Equal(t, models.StartNode, wf.Edges[0].From)
	assert.Equal(t, models.EndNode, wf.Edges[1].To)

	require.NoError(t, wf.Validate())
}

func TestAgentFarmReadsPromptFile(t *testing.T) {
	cond := &fakeConductor{}
	h := NewWorkflow(nil, cond, testLog())
	jc := testJobContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(jc.WorkspaceDir, "task.md"), []byte("triage the crash reports\n"), 0o600))

	payload := json.RawMessage(`{"agent_count":2,"prompt_file":"task.md"}`)
	_, err := h.Handle(context.Background(), jc, payload)
	require.NoError(t, err)
	assert.Equal(t, "triage the crash reports", cond.spec(t).Workflow.Nodes[0].PromptTemplate)
}

func TestAgentFarmPromptFileEscapeRejected(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	for _, name := range []string{"../secrets.md", "/etc/passwd"} {
		payload, _ := json.Marshal(map[string]any{"agent_count": 2, "prompt_file": name})
		_, err := h.Handle(context.Background(), testJobContext(t), payload)
		require.Error(t, err, name)
		assert.True(t, faults.Is(err, faults.KindValidation), name)
	}
}

func TestAgentFarmRequiresPrompt(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	_, err := h.Handle(context.Background(), testJobContext(t), json.RawMessage(`{"agent_count":2}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "prompt")
}

func TestAgentFarmCapsAgentCount(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	payload := json.RawMessage(`{"agent_count":40,"prompt":"go wild"}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "farm limit")
}

func TestWorkflowPathNarrowsWorkdir(t *testing.T) {
	cond := &fakeConductor{}
	h := NewWorkflow(nil, cond, testLog())
	jc := testJobContext(t)
	sub := filepath.Join(jc.WorkspaceDir, "services", "auth")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	payload := json.RawMessage(`{"agent_count":1,"prompt":"audit this service","path":"services/auth"}`)
	_, err := h.Handle(context.Background(), jc, payload)
	require.NoError(t, err)
	assert.Equal(t, sub, cond.spec(t).Workspace)
}

func TestWorkflowPathEscapeRejected(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	for _, p := range []string{"../sibling", "/srv/other-tenant"} {
		payload, _ := json.Marshal(map[string]any{"agent_count": 1, "prompt": "x", "path": p})
		_, err := h.Handle(context.Background(), testJobContext(t), payload)
		require.Error(t, err, p)
		assert.True(t, faults.Is(err, faults.KindValidation), p)
	}
}

func TestWorkflowMissingPathRejected(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	payload := json.RawMessage(`{"agent_count":1,"prompt":"x","path":"not/there"}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestWorkflowRepoURLSchemeRejected(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	payload := json.RawMessage(`{"agent_count":1,"prompt":"x","repo_url":"file:///etc"}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "scheme")
}

func TestWorkflowBranchNameRejected(t *testing.T) {
	h := NewWorkflow(nil, &fakeConductor{}, testLog())

	payload := json.RawMessage(`{"agent_count":1,"prompt":"x","repo_url":"https://example.com/r.git","branch":"--upload-pack=evil"}`)
	_, err := h.Handle(context.Background(), testJobContext(t), payload)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.Contains(t, err.Error(), "ref name")
}

func TestWorkflowRunFailureKeepsRunID(t *testing.T) {
	cond := &fakeConductor{
		run: &models.Run{ID: "run-9", Status: models.RunFailed},
		err: faults.Handler(nil, "node scan failed with no failure route"),
	}
	h := NewWorkflow(&fakeSource{wf: storedWorkflow()}, cond, testLog())

	_, err := h.Handle(context.Background(), testJobContext(t), json.RawMessage(`{"workflow_id":"wf-1"}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindHandler))
	assert.Contains(t, err.Error(), "run run-9 did not complete")
	assert.Contains(t, err.Error(), "no failure route")
}

func TestWorkflowStoredLookupNotFound(t *testing.T) {
	source := &fakeSource{err: faults.NotFound("workflow wf-9 not found")}
	h := NewWorkflow(source, &fakeConductor{}, testLog())

	_, err := h.Handle(context.Background(), testJobContext(t), json.RawMessage(`{"workflow_id":"wf-9"}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}
