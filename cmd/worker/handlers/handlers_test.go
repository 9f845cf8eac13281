package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/cmd/worker/conductor"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/llm"
	"github.com/anthive/orchestrator/common/logger"
	"github.com/anthive/orchestrator/common/models"
)

type stubProvider struct {
	last llm.Request
	resp *llm.Response
	err  error
}

func (s *stubProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubProvider) Name() string { return "stub" }

type fakeConductor struct {
	specs []conductor.RunSpec
	run   *models.Run
	err   error
}

func (f *fakeConductor) Execute(_ context.Context, spec conductor.RunSpec) (*models.Run, error) {
	f.specs = append(f.specs, spec)
	if f.run == nil && f.err == nil {
		return &models.Run{ID: "run-1", Status: models.RunCompleted}, nil
	}
	return f.run, f.err
}

func (f *fakeConductor) spec(t *testing.T) conductor.RunSpec {
	t.Helper()
	require.Len(t, f.specs, 1)
	return f.specs[0]
}

type fakeSource struct {
	wf        *models.Workflow
	err       error
	gotTenant string
	gotID     string
}

func (f *fakeSource) GetByID(_ context.Context, tenantID, id string) (*models.Workflow, error) {
	f.gotTenant, f.gotID = tenantID, id
	if f.err != nil {
		return nil, f.err
	}
	return f.wf, nil
}

func testJobContext(t *testing.T) *dispatch.JobContext {
	t.Helper()
	return &dispatch.JobContext{
		JobID:          "job-1",
		TenantID:       "acme",
		WorkspaceDir:   t.TempDir(),
		ArtifactPrefix: "artifacts/acme/jobs/job-1",
	}
}

func testLog() *logger.Logger { return logger.New("error", "json") }

func TestEchoRoundTrip(t *testing.T) {
	h := Echo("worker-ab12cd34")

	res, err := h(context.Background(), testJobContext(t), json.RawMessage(`{"message":"hello out there"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello out there", res.ResultText)

	doc := gjson.ParseBytes(res.ResultJSON)
	assert.Equal(t, "hello out there", doc.Get("echoed").String())
	assert.Equal(t, "worker-ab12cd34", doc.Get("processed_by").String())
	_, perr := time.Parse(time.RFC3339Nano, doc.Get("processed_at").String())
	assert.NoError(t, perr)
}

func TestChatConverseMapsResponse(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{
		Text:  "the cache is cold",
		Model: "claude-test",
		Usage: llm.Usage{InputTokens: 40, OutputTokens: 12},
	}}
	h := NewChat(provider, testLog())

	payload := json.RawMessage(`{"prompt":"why is p99 up?","model":"claude-test","max_tokens":512,"system":"be terse"}`)
	res, err := h.Converse(context.Background(), testJobContext(t), payload)
	require.NoError(t, err)

	assert.Equal(t, "why is p99 up?", provider.last.Prompt)
	assert.Equal(t, "be terse", provider.last.System)
	assert.Equal(t, "claude-test", provider.last.Model)
	assert.Equal(t, 512, provider.last.MaxTokens)

	doc := gjson.ParseBytes(res.ResultJSON)
	assert.Equal(t, "the cache is cold", doc.Get("response_text").String())
	assert.Equal(t, "claude-test", doc.Get("model").String())
	assert.EqualValues(t, 40, doc.Get("usage.input_tokens").Int())
	assert.EqualValues(t, 12, doc.Get("usage.output_tokens").Int())
	assert.Equal(t, "the cache is cold", res.ResultText)
}

func TestChatAnalyzeUsesAnalystFraming(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{Text: "revenue up 4%", Model: "claude-test"}}
	h := NewChat(provider, testLog())

	// The payload's own system prompt does not apply to analytics.
	payload := json.RawMessage(`{"prompt":"summarize q3","system":"be a pirate"}`)
	_, err := h.Analyze(context.Background(), testJobContext(t), payload)
	require.NoError(t, err)

	assert.Contains(t, provider.last.System, "data analyst")
	assert.NotContains(t, provider.last.System, "pirate")
}

func TestChatPropagatesProviderFault(t *testing.T) {
	provider := &stubProvider{err: faults.Transient(nil, "model overloaded")}
	h := NewChat(provider, testLog())

	_, err := h.Converse(context.Background(), testJobContext(t), json.RawMessage(`{"prompt":"hi"}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientBackend))
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	h := NewChat(&stubProvider{}, testLog())

	_, err := h.Converse(context.Background(), testJobContext(t), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestRegisterBindsTypesByDependency(t *testing.T) {
	bare := dispatch.NewRegistry()
	Register(bare, Deps{WorkerID: "worker-1", Log: testLog()})
	assert.True(t, bare.Registered(dispatch.TypeEcho))
	assert.False(t, bare.Registered(dispatch.TypeChat))
	assert.False(t, bare.Registered(dispatch.TypeWorkflow))

	full := dispatch.NewRegistry()
	Register(full, Deps{
		WorkerID:  "worker-1",
		Provider:  &stubProvider{},
		Workflows: &fakeSource{},
		Conductor: &fakeConductor{},
		Log:       testLog(),
	})
	for _, typ := range []string{dispatch.TypeEcho, dispatch.TypeChat, dispatch.TypeAnalytics, dispatch.TypeWorkflow, dispatch.TypeAgentFarm} {
		assert.True(t, full.Registered(typ), typ)
	}
}
