package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/anthive/orchestrator/common/faults"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}
func (l testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}
func (l testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}
func (l testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

type stubMessages struct {
	params []sdk.MessageNewParams
	resp   *sdk.Message
	err    error
	block  bool // wait for ctx cancellation instead of answering
}

func (s *stubMessages) New(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = append(s.params, body)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func textMessage(model, text string) *sdk.Message {
	return &sdk.Message{
		Model: sdk.Model(model),
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage: sdk.Usage{
			InputTokens:  10,
			OutputTokens: 5,
		},
	}
}

func TestGenerateTranslatesResponse(t *testing.T) {
	stub := &stubMessages{resp: textMessage("claude-test", "hello world")}
	p := newAnthropic(stub, AnthropicOptions{Model: "claude-test", MaxTokens: 256}, testLogger{t})

	resp, err := p.Generate(context.Background(), Request{Prompt: "say hello"})
	require.NoError(t, err)
	require.Equal(t, "hello world", resp.Text)
	require.Equal(t, "claude-test", resp.Model)
	require.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	require.EqualValues(t, 10, resp.Usage.InputTokens)
	require.EqualValues(t, 5, resp.Usage.OutputTokens)

	require.Len(t, stub.params, 1)
	params := stub.params[0]
	require.EqualValues(t, 256, params.MaxTokens)
	require.Equal(t, sdk.Model("claude-test"), params.Model)
	require.Len(t, params.Messages, 1)
	require.Empty(t, params.System)
}

func TestGenerateConcatenatesTextBlocks(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "part one "},
			{Type: "tool_use"},
			{Type: "text", Text: "part two"},
		},
	}}
	p := newAnthropic(stub, AnthropicOptions{}, testLogger{t})

	resp, err := p.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "part one part two", resp.Text)
}

func TestGenerateAppliesOverrides(t *testing.T) {
	stub := &stubMessages{resp: textMessage("claude-big", "ok")}
	p := newAnthropic(stub, AnthropicOptions{Model: "claude-default", MaxTokens: 128}, testLogger{t})

	_, err := p.Generate(context.Background(), Request{
		Prompt:    "analyze",
		System:    "you are an analyst",
		Model:     "claude-big",
		MaxTokens: 2048,
	})
	require.NoError(t, err)

	params := stub.params[0]
	require.Equal(t, sdk.Model("claude-big"), params.Model)
	require.EqualValues(t, 2048, params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "you are an analyst", params.System[0].Text)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	p := newAnthropic(&stubMessages{}, AnthropicOptions{}, testLogger{t})

	_, err := p.Generate(context.Background(), Request{Prompt: "   "})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindValidation))
}

func TestGenerateClassifiesTransportErrors(t *testing.T) {
	stub := &stubMessages{err: errors.New("connection reset")}
	p := newAnthropic(stub, AnthropicOptions{}, testLogger{t})

	_, err := p.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	require.True(t, faults.Retryable(err))
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   faults.Kind
	}{
		{http.StatusRequestTimeout, faults.KindTransientBackend},
		{http.StatusTooManyRequests, faults.KindTransientBackend},
		{http.StatusInternalServerError, faults.KindTransientBackend},
		{http.StatusBadGateway, faults.KindTransientBackend},
		{http.StatusBadRequest, faults.KindHandler},
		{http.StatusUnauthorized, faults.KindHandler},
		{http.StatusNotFound, faults.KindHandler},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, kindForStatus(tc.status), "status %d", tc.status)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubMessages{err: errors.New("backend down")}
	p := newAnthropic(stub, AnthropicOptions{}, testLogger{t})

	for i := 0; i < breakerFailures; i++ {
		_, err := p.Generate(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		require.True(t, faults.Retryable(err))
	}
	require.Len(t, stub.params, breakerFailures)

	// the open circuit rejects without reaching the backend
	_, err := p.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	require.True(t, faults.Retryable(err))
	require.Contains(t, err.Error(), "circuit open")
	require.Len(t, stub.params, breakerFailures)
}

func TestGenerateTimesOut(t *testing.T) {
	stub := &stubMessages{block: true}
	p := newAnthropic(stub, AnthropicOptions{Timeout: 30 * time.Millisecond}, testLogger{t})

	_, err := p.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindTimeout))
}

func TestGenerateHonorsCallerCancellation(t *testing.T) {
	stub := &stubMessages{block: true}
	p := newAnthropic(stub, AnthropicOptions{}, testLogger{t})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Generate(ctx, Request{Prompt: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic("", AnthropicOptions{}, testLogger{t})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindValidation))
}

func TestRequireKey(t *testing.T) {
	env := map[string]string{"ANTHROPIC_API_KEY": "sk-test"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	key, err := RequireKey(lookup, "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "sk-test", key)

	_, err = RequireKey(lookup, "MISSING_KEY")
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindSecurity))

	_, err = RequireKey(lookup, "")
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindValidation))
}
