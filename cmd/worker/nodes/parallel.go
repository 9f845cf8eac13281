package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
	"github.com/anthive/orchestrator/common/validation"
)

// shard is one member of a parallel fan-out.
type shard struct {
	agentID string
	res     *SpawnResult
	err     error
}

// parallel fans the node out to Fanout agents running the same prompt
// with a shard hint, then folds their outputs into one result. Without
// BestEffort the first failure cancels the remaining shards and fails
// the node; with it the node succeeds on any partial result.
func (e *Executor) parallel(ctx context.Context, f *conductor.Firing) (*conductor.NodeResult, error) {
	n := f.Node.Config.Fanout
	if n < 1 {
		return nil, faults.Validation("parallel node %s has no fanout", f.Node.ID)
	}
	log := e.log.WithTenant(f.TenantID).WithRunID(f.RunID).WithNodeID(f.Node.ID)

	shards := make([]shard, n)
	for i := range shards {
		id := fmt.Sprintf("%s-p%d", f.Node.ID, i+1)
		if _, err := validation.Validate(id, validation.KindAgent); err != nil {
			return nil, err
		}
		shards[i].agentID = id
	}

	prompt, consulted := e.consult(ctx, f, log)
	log.Info("parallel fan-out", "shards", n, "best_effort", f.Node.Config.BestEffort)

	g, gctx := errgroup.WithContext(ctx)
	limit := f.Node.Config.Concurrency
	if limit <= 0 {
		limit = n
	}
	g.SetLimit(limit)
	for i := range shards {
		g.Go(func() error {
			res, err := e.spawn(gctx, f, shards[i].agentID, e.opts.DefaultAgentType, shardPrompt(prompt, i+1, n), nil)
			shards[i].res, shards[i].err = res, err
			if err != nil && !f.Node.Config.BestEffort {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.noteOutcome(ctx, f, f.Node.ID, consulted, err, log)
		return nil, err
	}

	var (
		texts     []string
		shardDocs []map[string]any
		failed    int
	)
	out := &conductor.NodeResult{}
	files := map[string]bool{}
	for _, sh := range shards {
		if sh.err != nil {
			failed++
			log.Warn("shard failed", "agent_id", sh.agentID, "error", sh.err)
			shardDocs = append(shardDocs, map[string]any{"agent_id": sh.agentID, "error": sh.err.Error()})
			continue
		}
		texts = append(texts, sh.res.Text)
		out.Findings = append(out.Findings, models.ParseFindings(sh.res.Text)...)
		for _, file := range models.ParseModifiedFiles(sh.res.Text) {
			files[file] = true
		}
		out.TokenCount += sh.res.TokenCount
		doc := map[string]any{"agent_id": sh.agentID}
		if len(sh.res.ResultDoc) > 0 {
			doc["result"] = json.RawMessage(sh.res.ResultDoc)
		}
		shardDocs = append(shardDocs, doc)
	}
	if failed == n {
		err := faults.Handler(nil, "all %d shards of node %s failed", n, f.Node.ID)
		e.noteOutcome(ctx, f, f.Node.ID, consulted, err, log)
		return nil, err
	}

	out.ResultText = strings.Join(texts, "\n\n---\n\n")
	out.FilesModified = sortedSet(files)
	summary, err := json.Marshal(map[string]any{
		"parallel_results": shardDocs,
		"shards":           n,
		"failed":           failed,
	})
	if err != nil {
		return nil, faults.Permanent(err, "failed to encode parallel result")
	}
	out.ResultJSON = summary

	e.noteOutcome(ctx, f, f.Node.ID, consulted, nil, log)
	e.layTrails(f, f.Node.ID, out.Findings, out.FilesModified)
	log.Info("parallel fan-out finished", "shards", n, "failed", failed,
		"findings", len(out.Findings))
	return out, nil
}

// shardPrompt tells one agent which slice of the fan-out it owns.
func shardPrompt(prompt string, i, n int) string {
	return fmt.Sprintf("%s\n\nYou are agent %d of %d working this task in parallel. Split the work by your position and do not duplicate what the other agents cover.", prompt, i, n)
}
