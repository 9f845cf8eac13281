package ratelimit

import (
	"encoding/json"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/models"
)

// Profile is the complexity analysis of one submission.
type Profile struct {
	Tier       Tier
	AgentCount int
	TotalNodes int
}

// InspectWorkflow estimates how many agents a graph will launch: one
// per single node, the fanout per parallel node, one per swarm role.
func InspectWorkflow(w *models.Workflow) Profile {
	p := Profile{TotalNodes: len(w.Nodes)}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		switch n.Kind {
		case models.NodeParallel:
			fanout := n.Config.Fanout
			if fanout < 1 {
				fanout = 1
			}
			p.AgentCount += fanout
		case models.NodeSwarm:
			roles := len(n.Config.Roles)
			if roles < 1 {
				roles = 1
			}
			p.AgentCount += roles
		default:
			p.AgentCount++
		}
	}

	p.Tier = tierForAgents(p.AgentCount)
	return p
}

// InspectSubmission tiers a job submission. Inline workflow graphs are
// inspected; everything else falls back to the job-type bucket.
func InspectSubmission(jobType string, payload json.RawMessage) Tier {
	switch jobType {
	case dispatch.TypeWorkflow, dispatch.TypeAgentFarm:
		p, err := dispatch.ParseWorkflowPayload(payload)
		if err != nil {
			return TierHeavy
		}
		if len(p.Nodes) > 0 {
			return InspectWorkflow(&models.Workflow{Nodes: p.Nodes, Edges: p.Edges}).Tier
		}
		if p.AgentCount > 0 {
			return tierForAgents(p.AgentCount)
		}
		return TierHeavy
	default:
		return TierForJobType(jobType)
	}
}

func tierForAgents(agents int) Tier {
	switch {
	case agents == 0:
		return TierSimple
	case agents <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}
