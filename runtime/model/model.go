// Package model defines the provider-agnostic LLM call capability pipeline
// stages invoke. Vendor adapters (Anthropic, OpenAI) translate Request and
// Response to their SDKs and classify failures with ProviderError so retry and
// circuit breaking can act on a stable taxonomy.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type (
	// Request is a single opaque LLM call issued by a pipeline stage.
	Request struct {
		// Provider names the provider the call targets. It is also the circuit
		// breaker key.
		Provider string
		// Model is the provider model identifier. Empty selects the adapter
		// default.
		Model string
		// Capability names the stage capability that produced the request.
		Capability string
		// Stage is the pipeline stage name.
		Stage string
		// System is the system instruction sent with the call.
		System string
		// Input is the JSON payload assembled from the pipeline input and the
		// outputs of consumed stages.
		Input json.RawMessage
		// MaxTokens bounds the response size. Zero selects the adapter default.
		MaxTokens int
		// Metadata carries caller labels (pipeline id, session id).
		Metadata map[string]string
	}

	// Response is the result of an LLM call.
	Response struct {
		// Output is the JSON payload merged into the session context.
		Output json.RawMessage
		// Model is the model that served the call.
		Model string
		// Usage reports token consumption when the provider returns it.
		Usage TokenUsage
	}

	// TokenUsage tracks token counts reported by providers.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Invoker performs LLM calls. Implementations must be safe for concurrent
	// use and return *ProviderError for provider failures.
	Invoker interface {
		Invoke(ctx context.Context, req *Request) (*Response, error)
	}

	// InvokerFunc adapts a function to Invoker.
	InvokerFunc func(ctx context.Context, req *Request) (*Response, error)

	// Middleware wraps an Invoker.
	Middleware func(Invoker) Invoker

	// Providers is an immutable table of invokers keyed by provider name. It
	// is built once at startup and passed explicitly to the executor.
	Providers struct {
		byName map[string]Invoker
	}
)

var (
	// ErrRateLimited is matched by provider errors of kind rate_limited.
	ErrRateLimited = errors.New("model: rate limited")
	// ErrUnknownProvider indicates a lookup for an unregistered provider.
	ErrUnknownProvider = errors.New("model: unknown provider")
)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Chain wraps inv with mws. The first middleware is the outermost.
func Chain(inv Invoker, mws ...Middleware) Invoker {
	for i := len(mws) - 1; i >= 0; i-- {
		inv = mws[i](inv)
	}
	return inv
}

// NewProviders builds a provider table. Names must be unique and invokers
// non-nil.
func NewProviders(byName map[string]Invoker) (*Providers, error) {
	m := make(map[string]Invoker, len(byName))
	for name, inv := range byName {
		if name == "" {
			return nil, errors.New("model: provider name is required")
		}
		if inv == nil {
			return nil, fmt.Errorf("model: provider %q has no invoker", name)
		}
		m[name] = inv
	}
	return &Providers{byName: m}, nil
}

// Lookup returns the invoker registered for name.
func (p *Providers) Lookup(name string) (Invoker, error) {
	if p != nil {
		if inv, ok := p.byName[name]; ok {
			return inv, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// Names returns the registered provider names in sorted order.
func (p *Providers) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
