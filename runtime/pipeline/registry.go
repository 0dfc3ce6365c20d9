package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"goa.design/conductor/runtime/ratelimit"
)

type (
	// Kind classifies a capability. The set is closed; each kind maps to the
	// rate limit category its invocations count against.
	Kind string

	// Capability is an LLM call a stage can invoke.
	Capability struct {
		// Name is referenced by Stage.Capability.
		Name string `yaml:"name" json:"name"`
		// Kind selects the rate limit category.
		Kind Kind `yaml:"kind" json:"kind"`
		// Provider names the model.Providers entry serving the call. It is
		// also the circuit breaker key.
		Provider string `yaml:"provider" json:"provider"`
		// Model is the provider model identifier.
		Model string `yaml:"model,omitempty" json:"model,omitempty"`
		// Instruction is sent as the system prompt.
		Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty"`
		// MaxTokens bounds the response size.
		MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	}

	// Registry is an immutable table of capabilities built at startup.
	Registry struct {
		byName map[string]Capability
	}
)

const (
	// KindToolCall is a tool invocation.
	KindToolCall Kind = "tool_call"
	// KindSampling is a direct model sampling request.
	KindSampling Kind = "sampling"
	// KindCommand is a command execution.
	KindCommand Kind = "command"
	// KindConfigAccess reads or writes configuration.
	KindConfigAccess Kind = "config_access"
)

// ErrUnknownCapability indicates a stage references an unregistered
// capability.
var ErrUnknownCapability = errors.New("pipeline: unknown capability")

var kindCategories = map[Kind]ratelimit.Category{
	KindToolCall:     ratelimit.CategoryToolCall,
	KindSampling:     ratelimit.CategorySampling,
	KindCommand:      ratelimit.CategoryCommand,
	KindConfigAccess: ratelimit.CategoryConfigAccess,
}

// Category returns the rate limit category of k.
func (k Kind) Category() ratelimit.Category {
	return kindCategories[k]
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindCategories[k]
	return ok
}

// NewRegistry validates caps and returns the registry. Names must be unique
// and every capability needs a known kind and a provider.
func NewRegistry(caps ...Capability) (*Registry, error) {
	byName := make(map[string]Capability, len(caps))
	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("pipeline: capability without name")
		}
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate capability %q", c.Name)
		}
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("pipeline: capability %q has unknown kind %q", c.Name, c.Kind)
		}
		if c.Provider == "" {
			return nil, fmt.Errorf("pipeline: capability %q has no provider", c.Name)
		}
		byName[c.Name] = c
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, error) {
	c, ok := r.byName[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c, nil
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
