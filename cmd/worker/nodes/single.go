package nodes

import (
	"context"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// single runs the node as one agent. The agent id is the node id; its
// output is parsed for line-prefixed findings and file mentions.
func (e *Executor) single(ctx context.Context, f *conductor.Firing) (*conductor.NodeResult, error) {
	agentID, err := validation.Validate(f.Node.ID, validation.KindAgent)
	if err != nil {
		return nil, err
	}
	log := e.log.WithTenant(f.TenantID).WithRunID(f.RunID).WithNodeID(f.Node.ID)

	prompt, consulted := e.consult(ctx, f, log)
	res, err := e.spawn(ctx, f, agentID, e.opts.DefaultAgentType, prompt, nil)
	if err != nil {
		e.noteOutcome(ctx, f, agentID, consulted, err, log)
		return nil, err
	}

	out := &conductor.NodeResult{
		ResultJSON:    res.ResultDoc,
		ResultText:    res.Text,
		Findings:      models.ParseFindings(res.Text),
		FilesModified: models.ParseModifiedFiles(res.Text),
		AgentID:       agentID,
		SessionID:     res.SessionID,
		TokenCount:    res.TokenCount,
	}
	e.noteOutcome(ctx, f, agentID, consulted, nil, log)
	e.layTrails(f, agentID, out.Findings, out.FilesModified)
	log.Info("agent finished", "agent_id", agentID,
		"findings", len(out.Findings), "files", len(out.FilesModified))
	return out, nil
}
