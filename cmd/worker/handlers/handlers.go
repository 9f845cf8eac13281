// Package handlers holds the worker's in-process job handlers: the
// echo round trip, the model-backed chat types, and the workflow types
// that hand off to the conductor. Handlers are bound to job types at
// startup; a type whose backing dependency is absent stays unregistered
// and the engine fails such jobs instead of half-serving them.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

// Deps carries everything the handler set can be wired with. WorkerID
// and Log are mandatory; the rest gate which job types get bound.
type Deps struct {
	WorkerID  string
	Provider  llm.Provider
	Workflows WorkflowSource
	Conductor RunExecutor
	Log       *logger.Logger
}

// Register binds the worker's job types on the registry.
func Register(reg *dispatch.Registry, d Deps) {
	reg.Register(dispatch.TypeEcho, Echo(d.WorkerID))
	if d.Provider != nil {
		chat := NewChat(d.Provider, d.Log)
		reg.Register(dispatch.TypeChat, chat.Converse)
		reg.Register(dispatch.TypeAnalytics, chat.Analyze)
	}
	if d.Conductor != nil {
		wf := NewWorkflow(d.Workflows, d.Conductor, d.Log)
		reg.Register(dispatch.TypeWorkflow, wf.Handle)
		reg.Register(dispatch.TypeAgentFarm, wf.Handle)
	}
}

// Echo answers the message back with processing metadata. The round
// trip exercises the whole dispatch path without touching a backend.
func Echo(workerID string) dispatch.HandlerFunc {
	return func(ctx context.Context, jc *dispatch.JobContext, payload json.RawMessage) (*dispatch.Result, error) {
		var p dispatch.EchoPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, faults.Validation("malformed echo payload: %v", err)
		}
		doc, err := json.Marshal(map[string]string{
			"echoed":       p.Message,
			"processed_at": time.Now().UTC().Format(time.RFC3339Nano),
			"processed_by": workerID,
		})
		if err != nil {
			return nil, faults.Permanent(err, "encode echo result")
		}
		return &dispatch.Result{ResultJSON: doc, ResultText: p.Message}, nil
	}
}
