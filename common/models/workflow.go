package models

import (
	"time"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/validation"
)

// Graph sentinels. They mark entry and exit and are never stored as
// nodes.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// NodeKind selects the execution strategy for a node.
type NodeKind string

const (
	NodeSingle   NodeKind = "single"
	NodeParallel NodeKind = "parallel"
	NodeSwarm    NodeKind = "swarm"
)

// Role describes one member of a swarm node.
type Role struct {
	Name      string   `json:"name"`
	Interests []string `json:"interests,omitempty"`
	AgentType string   `json:"agent_type,omitempty"`
}

// NodeConfig carries per-node execution knobs.
type NodeConfig struct {
	// RetryBudget is how many times a failed node may be re-fired.
	RetryBudget int `json:"retry_budget,omitempty"`
	// Concurrency bounds simultaneous firings within the run.
	Concurrency int `json:"concurrency,omitempty"`
	// Fanout is the agent count for parallel nodes.
	Fanout int `json:"fanout,omitempty"`
	// BestEffort lets a parallel node succeed with partial failures.
	BestEffort bool `json:"best_effort,omitempty"`
	// Roles are required for swarm nodes.
	Roles []Role `json:"roles,omitempty"`
}

// Node is one unit of work in a workflow definition.
type Node struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           NodeKind   `json:"kind"`
	PromptTemplate string     `json:"prompt_template"`
	Config         NodeConfig `json:"config"`
}

// Edge connects two nodes. An empty condition always fires. Priority
// orders sibling edges, lower first. OnFailure edges fire only when the
// source node failed with no retry budget left.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	OnFailure bool   `json:"on_failure,omitempty"`
}

// Workflow is a stored DAG definition. Names are unique per tenant.
type Workflow struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns edges leaving from, ordered by priority then
// declaration order.
func (w *Workflow) Outgoing(from string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

// Incoming returns edges arriving at to, ordered by priority then
// declaration order.
func (w *Workflow) Incoming(to string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.To == to {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

func sortEdges(edges []Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].Priority < edges[j-1].Priority; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}

func validNodeKind(k NodeKind) bool {
	switch k {
	case NodeSingle, NodeParallel, NodeSwarm:
		return true
	}
	return false
}

// Validate checks the definition's structure: identifier rules, node
// uniqueness, sentinel discipline, connectivity, and acyclicity of the
// graph without sentinels.
func (w *Workflow) Validate() error {
	if _, err := validation.Validate(w.Name, validation.KindWorkflow); err != nil {
		return err
	}
	if len(w.Nodes) == 0 {
		return faults.Validation("workflow %q has no nodes", w.Name)
	}

	ids := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == StartNode || n.ID == EndNode {
			return faults.Validation("node id %q is a reserved sentinel", n.ID)
		}
		if _, err := validation.Validate(n.ID, validation.KindNode); err != nil {
			return err
		}
		if ids[n.ID] {
			return faults.Validation("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true

		if !validNodeKind(n.Kind) {
			return faults.Validation("node %q has unknown kind %q", n.ID, n.Kind)
		}
		if n.Kind == NodeSwarm && len(n.Config.Roles) == 0 {
			return faults.Validation("swarm node %q needs at least one role", n.ID)
		}
		for _, role := range n.Config.Roles {
			if _, err := validation.Validate(role.Name, validation.KindNode); err != nil {
				return faults.Validation("node %q role %q is not a valid identifier", n.ID, role.Name)
			}
			if role.AgentType != "" {
				if _, err := validation.Validate(role.AgentType, validation.KindAgentType); err != nil {
					return err
				}
			}
		}
		if n.Kind == NodeParallel && n.Config.Fanout < 1 {
			return faults.Validation("parallel node %q needs fanout >= 1", n.ID)
		}
	}

	starts := 0
	outgoing := make(map[string]int, len(ids))
	for _, e := range w.Edges {
		if e.From == EndNode {
			return faults.Validation("edge from %q is not allowed", EndNode)
		}
		if e.To == StartNode {
			return faults.Validation("edge into %q is not allowed", StartNode)
		}
		if e.From == StartNode {
			starts++
		} else if !ids[e.From] {
			return faults.Validation("edge references unknown node %q", e.From)
		}
		if e.To != EndNode && !ids[e.To] {
			return faults.Validation("edge references unknown node %q", e.To)
		}
		outgoing[e.From]++
	}
	if starts != 1 {
		return faults.Validation("workflow %q needs exactly one %s edge, found %d", w.Name, StartNode, starts)
	}
	for id := range ids {
		if outgoing[id] == 0 {
			return faults.Validation("node %q has no outgoing edge", id)
		}
	}

	if cycle := w.findCycle(); cycle != "" {
		return faults.Validation("workflow %q has a cycle through %q", w.Name, cycle)
	}
	return nil
}

// findCycle runs a three-color DFS over node-to-node edges, ignoring
// sentinels. Returns a node on a cycle, or "".
func (w *Workflow) findCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))
	adj := make(map[string][]string)
	for _, e := range w.Edges {
		if e.From == StartNode || e.To == EndNode {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if hit := visit(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
