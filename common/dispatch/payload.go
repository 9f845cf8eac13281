package dispatch

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

// Registered job types. The set is fixed at startup; both the gateway
// submit path and the worker loops reject anything outside it.
const (
	TypeEcho      = "echo"
	TypeChat      = "claude_chat"
	TypeAnalytics = "analytics"
	TypeWorkflow  = "workflow"
	TypeAgentFarm = "agent_farm"
)

// Field is one declared payload field.
type Field struct {
	Name     string
	Kind     string // string | number | bool | object | array
	Required bool
}

// Schema is the declared shape of a job payload. Fields not listed are
// allowed and ignored.
type Schema []Field

// Check validates a raw payload against the schema. An empty payload is
// treated as {}.
func (s Schema) Check(payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !gjson.ValidBytes(payload) {
		return faults.Validation("payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return faults.Validation("payload must be a JSON object")
	}

	for _, f := range s {
		v := doc.Get(f.Name)
		if !v.Exists() || v.Type == gjson.Null {
			if f.Required {
				return faults.Validation("payload field %q is required", f.Name)
			}
			continue
		}
		if !kindMatches(v, f.Kind) {
			return faults.Validation("payload field %q must be of type %s", f.Name, f.Kind)
		}
	}
	return nil
}

func kindMatches(v gjson.Result, kind string) bool {
	switch kind {
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "bool":
		return v.Type == gjson.True || v.Type == gjson.False
	case "object":
		return v.IsObject()
	case "array":
		return v.IsArray()
	default:
		return false
	}
}

// graphSchema is shared by workflow and agent_farm payloads.
var graphSchema = Schema{
	{Name: "workflow_id", Kind: "string"},
	{Name: "name", Kind: "string"},
	{Name: "path", Kind: "string"},
	{Name: "repo_url", Kind: "string"},
	{Name: "branch", Kind: "string"},
	{Name: "input", Kind: "object"},
	{Name: "agent_count", Kind: "number"},
	{Name: "prompt_file", Kind: "string"},
	{Name: "prompt", Kind: "string"},
	{Name: "inject_context", Kind: "bool"},
	{Name: "nodes", Kind: "array"},
	{Name: "edges", Kind: "array"},
}

var chatSchema = Schema{
	{Name: "prompt", Kind: "string", Required: true},
	{Name: "model", Kind: "string"},
	{Name: "max_tokens", Kind: "number"},
	{Name: "system", Kind: "string"},
}

// Schemas maps each registered job type to its payload schema.
var Schemas = map[string]Schema{
	TypeEcho:      {{Name: "message", Kind: "string", Required: true}},
	TypeChat:      chatSchema,
	TypeAnalytics: chatSchema,
	TypeWorkflow:  graphSchema,
	TypeAgentFarm: graphSchema,
}

// Registered reports whether jobType names a known payload schema.
func Registered(jobType string) bool {
	_, ok := Schemas[jobType]
	return ok
}

// ValidatePayload checks a submission against the schema for its type,
// plus per-type structural rules. Workflow payloads carrying an inline
// graph get the full DAG validation here, before any record is written.
func ValidatePayload(jobType string, payload json.RawMessage) error {
	schema, ok := Schemas[jobType]
	if !ok {
		return faults.Validation("unknown job type %q", jobType)
	}
	if err := schema.Check(payload); err != nil {
		return err
	}

	switch jobType {
	case TypeWorkflow, TypeAgentFarm:
		p, err := ParseWorkflowPayload(payload)
		if err != nil {
			return err
		}
		if len(p.Nodes) > 0 {
			if _, err := p.InlineWorkflow(); err != nil {
				return err
			}
		}
	}
	return nil
}

// EchoPayload is the echo job payload.
type EchoPayload struct {
	Message string `json:"message"`
}

// ChatPayload is the claude_chat and analytics job payload.
type ChatPayload struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	System    string `json:"system,omitempty"`
}

// WorkflowPayload is the workflow and agent_farm job payload. Exactly one
// graph source applies: a stored workflow_id, an inline nodes/edges graph,
// or the agent-farm shorthand (agent_count + prompt).
type WorkflowPayload struct {
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Name          string          `json:"name,omitempty"`
	Path          string          `json:"path,omitempty"`
	RepoURL       string          `json:"repo_url,omitempty"`
	Branch        string          `json:"branch,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	AgentCount    int             `json:"agent_count,omitempty"`
	PromptFile    string          `json:"prompt_file,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	InjectContext bool            `json:"inject_context,omitempty"`
	Nodes         []models.Node   `json:"nodes,omitempty"`
	Edges         []models.Edge   `json:"edges,omitempty"`
}

// ParseWorkflowPayload decodes a workflow/agent_farm payload.
func ParseWorkflowPayload(payload json.RawMessage) (*WorkflowPayload, error) {
	var p WorkflowPayload
	if len(payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, faults.Validation("malformed workflow payload: %v", err)
	}
	return &p, nil
}

// InlineWorkflow builds and validates a workflow from the payload's inline
// nodes and edges.
func (p *WorkflowPayload) InlineWorkflow() (*models.Workflow, error) {
	name := p.Name
	if name == "" {
		name = "adhoc"
	}
	w := &models.Workflow{
		Name:  name,
		Nodes: p.Nodes,
		Edges: p.Edges,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}
