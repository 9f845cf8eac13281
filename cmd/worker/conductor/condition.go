package conductor

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/anthive/orchestrator/common/faults"
)

// conditions compiles edge expressions to CEL programs and caches them.
// Expressions see one dyn variable, context, holding the run context
// document.
type conditions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newConditions() (*conditions, error) {
	env, err := cel.NewEnv(cel.Variable("context", cel.DynType))
	if err != nil {
		return nil, faults.Permanent(err, "create condition environment")
	}
	return &conditions{env: env, cache: make(map[string]cel.Program)}, nil
}

// compile parses and caches one expression. Empty expressions always
// pass and compile to nothing. A structural problem is a validation
// fault; the conductor fails the whole run on it rather than guessing
// at routing.
func (c *conditions) compile(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}

	c.mu.RLock()
	_, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return faults.Validation("condition %q does not compile: %v", expr, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return faults.Validation("condition %q does not compile: %v", expr, err)
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return nil
}

// eval runs one expression against the run context. Runtime errors, a
// missing key for instance, come back as handler faults; the caller
// treats the edge as false and records why.
func (c *conditions) eval(expr string, contextDoc json.RawMessage) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if !ok {
		if err := c.compile(expr); err != nil {
			return false, err
		}
		c.mu.RLock()
		prg = c.cache[expr]
		c.mu.RUnlock()
	}

	doc := map[string]any{}
	if len(contextDoc) > 0 {
		if err := json.Unmarshal(contextDoc, &doc); err != nil {
			return false, faults.Permanent(err, "decode run context")
		}
	}

	out, _, err := prg.Eval(map[string]any{"context": doc})
	if err != nil {
		return false, faults.Handler(err, "evaluate condition %q", expr)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, faults.Handler(nil, "condition %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
