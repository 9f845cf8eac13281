package handlers

import (
	"context"
	"encoding/json"

	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

// analystSystem frames analytics jobs. The payload's own system prompt
// is ignored for this type; the framing is the type's identity.
const analystSystem = "You are a data analyst. Answer with concrete numbers, name the " +
	"assumptions behind them, and flag any figure you could not verify from the given data."

// Chat serves the claude_chat and analytics job types through the
// configured model provider.
type Chat struct {
	provider llm.Provider
	log      *logger.Logger
}

// NewChat wires the chat handlers.
func NewChat(provider llm.Provider, log *logger.Logger) *Chat {
	return &Chat{provider: provider, log: log}
}

// Converse handles claude_chat: one generation with the payload's own
// framing.
func (h *Chat) Converse(ctx context.Context, jc *dispatch.JobContext, payload json.RawMessage) (*dispatch.Result, error) {
	p, err := parseChat(payload)
	if err != nil {
		return nil, err
	}
	return h.generate(ctx, jc, p, p.System)
}

// Analyze handles analytics: the same call with the fixed analyst
// framing.
func (h *Chat) Analyze(ctx context.Context, jc *dispatch.JobContext, payload json.RawMessage) (*dispatch.Result, error) {
	p, err := parseChat(payload)
	if err != nil {
		return nil, err
	}
	return h.generate(ctx, jc, p, analystSystem)
}

func (h *Chat) generate(ctx context.Context, jc *dispatch.JobContext, p *dispatch.ChatPayload, system string) (*dispatch.Result, error) {
	resp, err := h.provider.Generate(ctx, llm.Request{
		Prompt:    p.Prompt,
		System:    system,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	h.log.WithTenant(jc.TenantID).WithJobID(jc.JobID).Info("chat generation finished",
		"provider", h.provider.Name(),
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	doc, err := json.Marshal(map[string]any{
		"response_text": resp.Text,
		"model":         resp.Model,
		"usage": map[string]int64{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})
	if err != nil {
		return nil, faults.Permanent(err, "encode chat result")
	}
	return &dispatch.Result{ResultJSON: doc, ResultText: resp.Text}, nil
}

func parseChat(payload json.RawMessage) (*dispatch.ChatPayload, error) {
	var p dispatch.ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, faults.Validation("malformed chat payload: %v", err)
	}
	if p.Prompt == "" {
		return nil, faults.Validation("payload field %q is required", "prompt")
	}
	return &p, nil
}
