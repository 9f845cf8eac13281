package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// maxFarmAgents caps the agent-farm shorthand. Larger swarms come in
// as explicit workflow definitions with role configs.
const maxFarmAgents = 16

// WorkflowSource loads stored workflow definitions.
// *repository.WorkflowRepository satisfies it.
type WorkflowSource interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Workflow, error)
}

// RunExecutor walks one workflow to a terminal run. *conductor.Conductor
// satisfies it.
type RunExecutor interface {
	Execute(ctx context.Context, spec conductor.RunSpec) (*models.Run, error)
}

// Workflow serves the workflow and agent_farm job types: resolve the
// graph, resolve where the agents work, hand off to the conductor, and
// shape the run into the job result.
type Workflow struct {
	source WorkflowSource
	runner RunExecutor
	log    *logger.Logger
}

// NewWorkflow wires the workflow handler.
func NewWorkflow(source WorkflowSource, runner RunExecutor, log *logger.Logger) *Workflow {
	return &Workflow{source: source, runner: runner, log: log}
}

// Handle runs one workflow job to a terminal run.
func (h *Workflow) Handle(ctx context.Context, jc *dispatch.JobContext, payload json.RawMessage) (*dispatch.Result, error) {
	p, err := dispatch.ParseWorkflowPayload(payload)
	if err != nil {
		return nil, err
	}

	workDir, err := h.workDir(ctx, jc, p)
	if err != nil {
		return nil, err
	}
	wf, err := h.resolve(ctx, jc.TenantID, p, workDir)
	if err != nil {
		return nil, err
	}

	// Absent means on: a run opts out of learned context explicitly.
	inject := true
	if gjson.GetBytes(payload, "inject_context").Exists() {
		inject = p.InjectContext
	}

	log := h.log.WithTenant(jc.TenantID).WithJobID(jc.JobID)
	log.Info("workflow job starting",
		"workflow", wf.Name, "nodes", len(wf.Nodes), "edges", len(wf.Edges), "workdir", workDir)

	run, err := h.runner.Execute(ctx, conductor.RunSpec{
		TenantID:      jc.TenantID,
		Workflow:      wf,
		Input:         p.Input,
		Workspace:     workDir,
		InjectContext: inject,
		Heartbeat:     jc.Heartbeat,
	})
	if err != nil {
		if run != nil {
			return nil, faults.Wrap(faults.KindOf(err), err, "run %s did not complete", run.ID)
		}
		return nil, err
	}
	return workflowResult(run, wf)
}

// resolve picks the graph source: a stored definition, an inline graph,
// or the agent-farm shorthand.
func (h *Workflow) resolve(ctx context.Context, tenantID string, p *dispatch.WorkflowPayload, workDir string) (*models.Workflow, error) {
	switch {
	case p.WorkflowID != "":
		if _, err := validation.Validate(p.WorkflowID, validation.KindWorkflow); err != nil {
			return nil, err
		}
		if h.source == nil {
			return nil, faults.Validation("stored workflows are not available on this worker")
		}
		return h.source.GetByID(ctx, tenantID, p.WorkflowID)
	case len(p.Nodes) > 0:
		return p.InlineWorkflow()
	case p.AgentCount > 0:
		return farmWorkflow(p, workDir)
	default:
		return nil, faults.Validation("workflow payload names no graph: set workflow_id, inline nodes, or agent_count")
	}
}

// workDir picks where agents work: the job workspace by default, a
// fresh clone when the payload names a repository, optionally narrowed
// to a subdirectory by path.
func (h *Workflow) workDir(ctx context.Context, jc *dispatch.JobContext, p *dispatch.WorkflowPayload) (string, error) {
	base := jc.WorkspaceDir
	if p.RepoURL != "" {
		cloned, err := checkout(ctx, p.RepoURL, p.Branch, base)
		if err != nil {
			return "", err
		}
		h.log.WithTenant(jc.TenantID).WithJobID(jc.JobID).Info("repository checked out",
			"repo", p.RepoURL, "branch", p.Branch, "dir", cloned)
		base = cloned
	}
	if p.Path != "" {
		return subDir(base, p.Path)
	}
	return base, nil
}

// farmWorkflow builds the single-swarm-node graph the agent-farm
// shorthand stands for: N interchangeable agents on one prompt,
// coordinating over the blackboard.
func farmWorkflow(p *dispatch.WorkflowPayload, workDir string) (*models.Workflow, error) {
	if p.AgentCount > maxFarmAgents {
		return nil, faults.Validation("agent_count %d exceeds the farm limit of %d", p.AgentCount, maxFarmAgents)
	}

	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" && p.PromptFile != "" {
		raw, err := readWorkspaceFile(workDir, p.PromptFile)
		if err != nil {
			return nil, err
		}
		prompt = strings.TrimSpace(string(raw))
	}
	if prompt == "" {
		return nil, faults.Validation("agent_farm needs a prompt or a prompt_file")
	}

	roles := make([]models.Role, p.AgentCount)
	for i := range roles {
		roles[i] = models.Role{Name: fmt.Sprintf("agent-%d", i+1)}
	}

	name := p.Name
	if name == "" {
		name = "agent-farm"
	}
	return &models.Workflow{
		Name: name,
		Nodes: []models.Node{{
			ID:             "farm",
			Name:           "Agent farm",
			Kind:           models.NodeSwarm,
			PromptTemplate: prompt,
			Config:         models.NodeConfig{Roles: roles},
		}},
		Edges: []models.Edge{
			{From: models.StartNode, To: "farm"},
			{From: "farm", To: models.EndNode},
		},
	}, nil
}

// workflowResult shapes the finished run into the job result. Findings
// and modified files come back out of the merged run context.
func workflowResult(run *models.Run, wf *models.Workflow) (*dispatch.Result, error) {
	out := run.Output
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}

	findings := gjson.GetBytes(out, "findings").Array()
	summary := fmt.Sprintf("workflow %q completed: %d/%d nodes completed, %d failed, %d findings",
		wf.Name, run.CompletedNodes, run.TotalNodes, run.FailedNodes, len(findings))

	doc := map[string]any{
		"run_id":   run.ID,
		"summary":  summary,
		"findings": json.RawMessage(`[]`),
	}
	if raw := gjson.GetBytes(out, "findings"); raw.IsArray() {
		doc["findings"] = json.RawMessage(raw.Raw)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, faults.Permanent(err, "encode workflow result")
	}

	res := &dispatch.Result{ResultJSON: raw, ResultText: summary}
	for _, f := range findings {
		content := f.Get("content").String()
		if content == "" {
			continue
		}
		res.Findings = append(res.Findings, models.Finding{
			Kind:    models.FindingKind(f.Get("kind").String()),
			Content: content,
		})
	}
	for _, v := range gjson.GetBytes(out, "files_modified").Array() {
		if s := v.String(); s != "" {
			res.FilesModified = append(res.FilesModified, s)
		}
	}
	return res, nil
}

// checkout clones the named branch into the workspace. Depth one; the
// agents need the tree, not the history.
func checkout(ctx context.Context, repoURL, branch, workspaceDir string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return "", faults.Validation("repo_url %q is not a valid URL", repoURL)
	}
	switch u.Scheme {
	case "http", "https", "ssh":
	default:
		return "", faults.Validation("repo_url scheme %q is not allowed", u.Scheme)
	}
	if branch != "" {
		if strings.HasPrefix(branch, "-") || strings.ContainsAny(branch, " \t\r\n") {
			return "", faults.Validation("branch %q is not a valid ref name", branch)
		}
	}

	dir := filepath.Join(workspaceDir, "repo")
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", repoURL, dir)

	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", faults.Validation("git is not installed on this worker")
		}
		return "", faults.Handler(err, "git clone failed: %s", tail(string(out), 400))
	}
	return dir, nil
}

// subDir resolves a payload-supplied path against the working base.
// The result must stay inside the base and exist as a directory.
func subDir(base, p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", faults.Validation("path must be relative to the job workspace")
	}
	dir := filepath.Join(base, p)
	root := filepath.Clean(base)
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", faults.Validation("path %q escapes the job workspace", p)
	}
	st, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.Validation("path %q does not exist in the workspace", p)
		}
		return "", faults.Transient(err, "stat workspace path %q", p)
	}
	if !st.IsDir() {
		return "", faults.Validation("path %q is not a directory", p)
	}
	return dir, nil
}

// readWorkspaceFile reads a payload-named file, confined to the working
// base the same way subDir confines directories.
func readWorkspaceFile(base, name string) ([]byte, error) {
	if filepath.IsAbs(name) {
		return nil, faults.Validation("prompt_file must be relative to the job workspace")
	}
	path := filepath.Join(base, name)
	root := filepath.Clean(base)
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return nil, faults.Validation("prompt_file %q escapes the job workspace", name)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Validation("prompt_file %q does not exist in the workspace", name)
		}
		return nil, faults.Transient(err, "read prompt_file %q", name)
	}
	return raw, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
