// Package openai provides a model.Invoker backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/conductor/runtime/model"
)

const providerName = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Invoker via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed invoker from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
// baseURL overrides the API endpoint when non-empty.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Invoke sends the stage input as the user message and returns the first
// choice's content.
func (c *Client) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, model.Fatal(providerName, "request is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: string(req.Input)})
	request := openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if sid := req.Metadata["session_id"]; sid != "" {
		request.User = sid
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, wrapError("chat.completions", err)
	}
	if len(response.Choices) == 0 {
		return nil, model.Transient(providerName, errors.New("openai: response has no choices"))
	}
	return &model.Response{
		Output: []byte(response.Choices[0].Message.Content),
		Model:  response.Model,
		Usage: model.TokenUsage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}, nil
}

func wrapError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(apiErr.HTTPStatusCode)
		return model.NewProviderError(providerName, operation, apiErr.HTTPStatusCode, kind, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := model.KindForStatus(reqErr.HTTPStatusCode)
		if kind == model.ProviderErrorKindUnknown {
			kind = model.ProviderErrorKindUnavailable
		}
		return model.NewProviderError(providerName, operation, reqErr.HTTPStatusCode, kind, "", err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, "", err)
}
