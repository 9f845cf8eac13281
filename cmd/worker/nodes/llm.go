package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

// LLMOptions tune the in-process runner. Zero values defer to the
// provider's own defaults.
type LLMOptions struct {
	Model     string
	MaxTokens int
}

// LLMRunner satisfies agent spawns with a single LLM call instead of a
// separate process. It is the default runner: no tmux server and no
// container scheduler required, which keeps single-binary deployments
// and tests self-contained.
type LLMRunner struct {
	provider llm.Provider
	opts     LLMOptions
	log      *logger.Logger
}

func NewLLMRunner(provider llm.Provider, opts LLMOptions, log *logger.Logger) *LLMRunner {
	return &LLMRunner{provider: provider, opts: opts, log: log}
}

func (r *LLMRunner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	resp, err := r.provider.Generate(ctx, llm.Request{
		Prompt:    req.Prompt,
		System:    agentSystem(req),
		Model:     r.opts.Model,
		MaxTokens: r.opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("agent call finished",
		"agent_id", req.AgentID,
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return &SpawnResult{
		Text:       resp.Text,
		ResultDoc:  fencedJSON(resp.Text),
		TokenCount: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// agentSystem frames the call so the model reports in the line formats
// the aggregators parse.
func agentSystem(req SpawnRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent executing one node of an automated workflow.\n", req.AgentID, req.AgentType)
	b.WriteString("Work the task directly and report plainly.\n")
	b.WriteString("State findings one per line as \"- [kind] content\" where kind is fact, discovery, warning, blocker, hypothesis or question.\n")
	b.WriteString("Name every file you modify as \"Modified: path\".\n")
	b.WriteString("If the task asks for structured output, end with a single ```json fenced block.")
	return b.String()
}

// fencedJSON extracts the last ```json fenced object from text, or nil
// when there is none.
func fencedJSON(text string) json.RawMessage {
	const open = "```json"
	idx := strings.LastIndex(text, open)
	if idx < 0 {
		return nil
	}
	rest := text[idx+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return nil
	}
	doc := strings.TrimSpace(rest[:end])
	if !strings.HasPrefix(doc, "{") || !gjson.Valid(doc) {
		return nil
	}
	return json.RawMessage(doc)
}
