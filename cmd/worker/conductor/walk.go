package conductor

import (
	"encoding/json"

	"github.com/anthive/orchestrator/common/models"
)

type nodeState int

const (
	nodeWaiting nodeState = iota
	nodeFiring
	nodeCompleted
	nodeFailed
	nodeSkipped
)

func (s nodeState) settled() bool {
	return s == nodeCompleted || s == nodeFailed || s == nodeSkipped
}

// walk tracks one run's progress through the graph. The scheduler
// goroutine owns it exclusively; nothing here is safe for concurrent
// use.
type walk struct {
	wf *models.Workflow
	// state holds per-node progress, with the start sentinel pre-settled.
	state map[string]nodeState
	// fired marks edges, by index into wf.Edges, whose condition passed
	// and whose priority won at source settle time.
	fired map[int]bool
	// results keeps completed node result documents for $nodes template
	// references.
	results map[string]json.RawMessage
	// retries counts failed attempts per node.
	retries map[string]int

	endFired bool
	aborted  bool
	abortErr error
}

func newWalk(wf *models.Workflow) *walk {
	w := &walk{
		wf:      wf,
		state:   make(map[string]nodeState, len(wf.Nodes)+1),
		fired:   make(map[int]bool, len(wf.Edges)),
		results: make(map[string]json.RawMessage, len(wf.Nodes)),
		retries: make(map[string]int),
	}
	w.state[models.StartNode] = nodeCompleted
	return w
}

// nextReady returns a waiting node whose predecessors have all settled.
func (w *walk) nextReady() (string, bool) {
	for _, n := range w.wf.Nodes {
		if w.state[n.ID] != nodeWaiting {
			continue
		}
		ready := true
		for _, e := range w.wf.Incoming(n.ID) {
			if !w.state[e.From].settled() {
				ready = false
				break
			}
		}
		if ready {
			return n.ID, true
		}
	}
	return "", false
}

// incomingFired reports whether any fired edge targets the node.
func (w *walk) incomingFired(id string) bool {
	for i := range w.wf.Edges {
		if w.wf.Edges[i].To == id && w.fired[i] {
			return true
		}
	}
	return false
}

// hasFailureRoute reports whether any on_failure edge leaves the node.
func (w *walk) hasFailureRoute(id string) bool {
	for _, e := range w.wf.Edges {
		if e.From == id && e.OnFailure {
			return true
		}
	}
	return false
}

// fail aborts the walk, keeping the first cause.
func (w *walk) fail(err error) {
	if w.aborted {
		return
	}
	w.aborted = true
	w.abortErr = err
}
