// Package genai provides reply generation over the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/palinopr/ghl-langgraph-agent-sub000/internal/retry"
)

// Default generation settings.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.4
	DefaultMaxCompletionTokens = 400
)

// ErrNoChoicesReturned is returned when the API responds without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// FunctionCall is the function part of a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResponse carries the model's text and any requested tool calls.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ClientInterface is what persona handlers depend on.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Compile-time check that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int
	policy              retry.Policy
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int
	BaseURL             string
	Policy              *retry.Policy
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens bounds the reply length.
func WithMaxCompletionTokens(n int) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithRetryPolicy overrides attempts and per-attempt timeout.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Opts) { o.Policy = &p }
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = DefaultMaxCompletionTokens
	}
	policy := retry.DefaultPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are driven by the retry policy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature, "maxCompletionTokens", cfg.MaxCompletionTokens)
	return &Client{
		chat:                completionsService{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		policy:              policy,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}
	return p
}

func (c *Client) create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	var resp openai.ChatCompletion
	_, err := retry.Do(ctx, c.policy, "genai.create", func(ctx context.Context) error {
		r, err := c.chat.Create(ctx, params)
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// retryable treats client errors other than rate limiting as permanent.
func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// GenerateWithMessages returns the model's text reply without offering tools.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.create(ctx, c.params(messages))
	if err != nil {
		slog.Error("Client.GenerateWithMessages: completion failed", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools offers tools to the model and returns its content and
// any tool calls it requested.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(messages)
	if len(tools) > 0 {
		params.Tools = tools
	}
	resp, err := c.create(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateWithTools: completion failed", "error", err, "toolCount", len(tools))
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("Client.GenerateWithTools: response received", "contentLength", len(out.Content), "toolCallCount", len(out.ToolCalls))
	return out, nil
}
