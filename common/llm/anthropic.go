package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker/v2"

	"github.com/anthive/orchestrator/common/faults"
)

const (
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// breakerFailures consecutive failures open the circuit.
	breakerFailures = 5
	// breakerCooldown is how long the circuit stays open before probing.
	breakerCooldown = 30 * time.Second
)

// MessagesClient is the slice of the Anthropic SDK the provider uses.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic calls the Anthropic Messages API behind a circuit breaker.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[*Response]
	log       Logger
}

// AnthropicOptions configures the provider. Zero values take defaults.
type AnthropicOptions struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// NewAnthropic builds a provider from an API key. The key is used once
// to construct the SDK client and is not retained.
func NewAnthropic(apiKey string, opts AnthropicOptions, log Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, faults.Validation("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return newAnthropic(&ac.Messages, opts, log), nil
}

// newAnthropic wires an explicit messages client; tests inject fakes
// here.
func newAnthropic(msg MessagesClient, opts AnthropicOptions, log Logger) *Anthropic {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-20250514"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	a := &Anthropic{
		msg:       msg,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		log:       log,
	}
	a.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    "anthropic",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("llm circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return a
}

// Name identifies the provider
func (a *Anthropic) Name() string { return "anthropic" }

// Generate runs one Messages call with the provider timeout and maps
// failures onto the shared fault kinds.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, faults.Validation("prompt is required")
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.breaker.Execute(func() (*Response, error) {
		msg, err := a.msg.New(callCtx, params)
		if err != nil {
			return nil, err
		}
		return translate(msg), nil
	})
	if err != nil {
		return nil, a.classify(ctx, callCtx, err)
	}

	a.log.Debug("llm generation complete",
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func translate(msg *sdk.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	resp.Text = b.String()
	return resp
}

// classify maps transport, breaker, and API failures onto fault kinds.
// Caller cancellation passes through untouched.
func (a *Anthropic) classify(ctx, callCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if callCtx.Err() != nil {
		return faults.Wrap(faults.KindTimeout, err, "anthropic call exceeded %s", a.timeout)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.Transient(err, "anthropic circuit open")
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return faults.Wrap(kindForStatus(apierr.StatusCode), err,
			"anthropic api returned %d", apierr.StatusCode)
	}
	return faults.Transient(err, "anthropic request failed")
}

// kindForStatus buckets HTTP statuses: throttling and server trouble
// are retryable, everything else is on the request.
func kindForStatus(status int) faults.Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return faults.KindTransientBackend
	case status >= 500:
		return faults.KindTransientBackend
	default:
		return faults.KindHandler
	}
}

// RequireKey reads the credential referenced by name and fails loudly
// when it is absent, without ever logging the value.
func RequireKey(lookup func(string) (string, bool), ref string) (string, error) {
	if ref == "" {
		return "", faults.Validation("credential reference is required")
	}
	key, ok := lookup(ref)
	if !ok || key == "" {
		return "", faults.Security("credential %s is not set", ref)
	}
	return key, nil
}

var _ Provider = (*Anthropic)(nil)

// ErrNoProvider is returned by handlers when generation is requested
// but no provider was configured.
var ErrNoProvider = errors.New("llm provider is not configured")
