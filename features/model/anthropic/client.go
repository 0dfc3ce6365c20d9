// Package anthropic provides a model.Invoker backed by the Anthropic Claude
// Messages API using github.com/anthropics/anthropic-sdk-go. The stage input
// is sent as the user turn and the concatenated text blocks of the reply
// become the stage output.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/conductor/runtime/model"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens is used when model.Request.MaxTokens is zero. Defaults to
		// 1024.
		MaxTokens int
	}

	// Client implements model.Invoker on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds an Anthropic-backed invoker from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
// baseURL overrides the API endpoint when non-empty. SDK-level retries are
// disabled; the pipeline retry policy owns retries.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Invoke issues a non-streaming Messages.New request.
func (c *Client) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, model.Fatal(providerName, "request is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(modelID),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(req.Input))),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, wrapError("messages.new", err)
	}
	return translateResponse(msg)
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, model.Transient(providerName, errors.New("anthropic: response message is nil"))
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &model.Response{
		Output: []byte(text.String()),
		Model:  string(msg.Model),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// wrapError classifies SDK failures. Context errors pass through unchanged so
// cancellation stays distinguishable from provider failures.
func wrapError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(apiErr.StatusCode)
		return model.NewProviderError(providerName, operation, apiErr.StatusCode, kind, http.StatusText(apiErr.StatusCode), err)
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, "", err)
}
