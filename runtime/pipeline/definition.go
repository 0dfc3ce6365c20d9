// Package pipeline runs stage graphs against sessions. Each stage invokes
// one LLM capability through the policy layers (idempotency guard, rate
// limiter, circuit breaker, retry) and merges its output into the session
// context.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Definition is a static stage graph.
	Definition struct {
		// ID identifies the pipeline. It is recorded as the command of every
		// history entry the run appends.
		ID string `yaml:"id" json:"id"`
		// Stages lists the stages in declaration order.
		Stages []Stage `yaml:"stages" json:"stages"`
		// MaxConcurrency bounds how many stages invoke their capability at
		// once. Zero selects the executor default.
		MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	}

	// Stage is one node of a Definition.
	Stage struct {
		// Name is unique within the pipeline and keys the stage output in
		// the session context.
		Name string `yaml:"name" json:"name"`
		// Capability names the registered capability the stage invokes.
		Capability string `yaml:"capability" json:"capability"`
		// Required aborts the run when the stage does not succeed.
		Required bool `yaml:"required" json:"required"`
		// Timeout bounds the stage including retries. Zero selects the
		// executor default.
		Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
		// Consumes lists earlier stages whose outputs the stage reads.
		Consumes []string `yaml:"consumes,omitempty" json:"consumes,omitempty"`
	}

	// DefinitionError reports an invalid definition.
	DefinitionError struct {
		Pipeline string
		Stage    string
		Reason   string
	}
)

// InputKey is the key of the run input in stage requests and in the initial
// context of sessions created by a run.
const InputKey = "input"

// ErrInvalidDefinition matches any *DefinitionError via errors.Is.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// Validate checks that the definition has an id and at least one stage, that
// stage names are unique and that every consumed stage is declared earlier.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &DefinitionError{Reason: "missing id"}
	}
	if len(d.Stages) == 0 {
		return &DefinitionError{Pipeline: d.ID, Reason: "no stages"}
	}
	if d.MaxConcurrency < 0 {
		return &DefinitionError{Pipeline: d.ID, Reason: "negative max concurrency"}
	}
	seen := make(map[string]struct{}, len(d.Stages))
	for _, st := range d.Stages {
		if st.Name == "" {
			return &DefinitionError{Pipeline: d.ID, Reason: "stage without name"}
		}
		if st.Name == InputKey {
			return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: "stage name is reserved for the run input"}
		}
		if _, dup := seen[st.Name]; dup {
			return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: "duplicate stage name"}
		}
		if st.Capability == "" {
			return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: "missing capability"}
		}
		if st.Timeout < 0 {
			return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: "negative timeout"}
		}
		for _, dep := range st.Consumes {
			if dep == st.Name {
				return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: "stage consumes itself"}
			}
			if _, ok := seen[dep]; !ok {
				return &DefinitionError{Pipeline: d.ID, Stage: st.Name, Reason: fmt.Sprintf("consumes %q which is not an earlier stage", dep)}
			}
		}
		seen[st.Name] = struct{}{}
	}
	return nil
}

// Stage returns the stage with the given name.
func (d *Definition) Stage(name string) (Stage, bool) {
	for _, st := range d.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// Error implements error.
func (e *DefinitionError) Error() string {
	switch {
	case e.Stage != "":
		return fmt.Sprintf("pipeline %q stage %q: %s", e.Pipeline, e.Stage, e.Reason)
	case e.Pipeline != "":
		return fmt.Sprintf("pipeline %q: %s", e.Pipeline, e.Reason)
	default:
		return "pipeline: " + e.Reason
	}
}

// Is reports whether target is ErrInvalidDefinition.
func (e *DefinitionError) Is(target error) bool { return target == ErrInvalidDefinition }
