package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
)

// stubProvider cans one response and records the request it served.
type stubProvider struct {
	last llm.Request
	resp *llm.Response
	err  error
}

func (p *stubProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *stubProvider) Name() string { return "stub" }

func llmSpawnRequest() SpawnRequest {
	return SpawnRequest{
		TenantID:  "acme",
		RunID:     "run-1",
		NodeID:    "review",
		AgentID:   "review",
		AgentType: "general-purpose",
		Prompt:    "review the auth module",
	}
}

func TestLLMRunnerMapsResponse(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{
		Text:  "[fact] looks solid\n```json\n{\"verdict\":\"pass\"}\n```",
		Model: "claude-test",
		Usage: llm.Usage{InputTokens: 70, OutputTokens: 30},
	}}
	runner := NewLLMRunner(provider, LLMOptions{Model: "claude-test", MaxTokens: 2048}, logger.New("error", "json"))

	res, err := runner.Spawn(context.Background(), llmSpawnRequest())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "[fact] looks solid")
	assert.Equal(t, int64(100), res.TokenCount)
	assert.JSONEq(t, `{"verdict":"pass"}`, string(res.ResultDoc))

	assert.Equal(t, "review the auth module", provider.last.Prompt)
	assert.Equal(t, "claude-test", provider.last.Model)
	assert.Equal(t, 2048, provider.last.MaxTokens)
	assert.Contains(t, provider.last.System, "review")
	assert.Contains(t, provider.last.System, "general-purpose")
	assert.Contains(t, provider.last.System, "- [kind] content")
}

func TestLLMRunnerWithoutStructuredOutput(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{Text: "plain prose, no fences"}}
	runner := NewLLMRunner(provider, LLMOptions{}, logger.New("error", "json"))

	res, err := runner.Spawn(context.Background(), llmSpawnRequest())
	require.NoError(t, err)
	assert.Nil(t, res.ResultDoc)
}

func TestLLMRunnerPropagatesProviderFault(t *testing.T) {
	provider := &stubProvider{err: faults.Transient(nil, "rate limited")}
	runner := NewLLMRunner(provider, LLMOptions{}, logger.New("error", "json"))

	_, err := runner.Spawn(context.Background(), llmSpawnRequest())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientBackend))
}

func TestFencedJSON(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"no fence", "just words", ""},
		{"object", "before\n```json\n{\"a\":1}\n```\nafter", `{"a":1}`},
		{"last fence wins", "```json\n{\"a\":1}\n```\n```json\n{\"b\":2}\n```", `{"b":2}`},
		{"unterminated", "```json\n{\"a\":1}", ""},
		{"invalid json", "```json\n{broken\n```", ""},
		{"array rejected", "```json\n[1,2]\n```", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fencedJSON(tc.text)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}
