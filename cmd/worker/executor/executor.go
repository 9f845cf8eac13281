// Package executor holds the out-of-process execution strategies: task
// launch (ECS or local subprocess) and tmux panes. Both hand results back
// through the dispatch contract; neither writes outside the tenant
// workspace and artifact prefix.
package executor

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/models"
)

// Exit codes reported by launched workloads.
const (
	exitSuccess  = 0
	exitHandler  = 1
	exitBadSetup = 2
)

// resultFromJSON builds a dispatch result from a result document written
// by the workload. Findings and modified files are parsed out of the
// result text so trails and blackboards see them.
func resultFromJSON(doc []byte) *dispatch.Result {
	text := gjson.GetBytes(doc, "result_text").String()
	return &dispatch.Result{
		ResultJSON:    json.RawMessage(doc),
		ResultText:    text,
		Findings:      models.ParseFindings(text),
		FilesModified: models.ParseModifiedFiles(text),
	}
}

// resultFromExit maps a finished workload without a result document onto
// the dispatch contract.
func resultFromExit(taskID string, exitCode int, reason string) (*dispatch.Result, error) {
	switch exitCode {
	case exitSuccess:
		doc, err := json.Marshal(map[string]any{
			"task_id":   taskID,
			"exit_code": exitSuccess,
			"reason":    reason,
		})
		if err != nil {
			return nil, faults.Permanent(err, "failed to encode synthesized result")
		}
		return &dispatch.Result{ResultJSON: doc, ResultText: reason}, nil
	case exitHandler:
		return nil, faults.Handler(nil, "task %s failed: %s", taskID, stopReason(reason))
	case exitBadSetup:
		return nil, faults.Validation("task %s reported a configuration error: %s", taskID, stopReason(reason))
	default:
		return nil, faults.Handler(nil, "task %s crashed with exit code %d: %s", taskID, exitCode, stopReason(reason))
	}
}

func stopReason(reason string) string {
	if reason == "" {
		return "no diagnostic captured"
	}
	return reason
}

// baseEnv is the controlled environment every launched workload gets.
// Values are identifier-typed or derived from validated identifiers.
func baseEnv(jc *dispatch.JobContext, jobType string) map[string]string {
	env := map[string]string{
		"JOB_ID":          jc.JobID,
		"TENANT_ID":       jc.TenantID,
		"JOB_TYPE":        jobType,
		"WORKSPACE_DIR":   jc.WorkspaceDir,
		"ARTIFACT_PREFIX": jc.ArtifactPrefix,
	}
	if jc.NodeID != "" {
		env["NODE_ID"] = jc.NodeID
	}
	return env
}

func resultKey(jc *dispatch.JobContext) string {
	return fmt.Sprintf("%s/result.json", jc.ArtifactPrefix)
}
