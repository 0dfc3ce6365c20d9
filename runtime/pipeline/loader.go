package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type (
	// Document is a pipeline definitions file: the capabilities stages may
	// reference and the pipelines themselves.
	Document struct {
		Capabilities []Capability `yaml:"capabilities"`
		Pipelines    []Definition `yaml:"pipelines"`
	}
)

//go:embed schema/definitions.json
var definitionsSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	errSchema      error
)

// LoadDefinitions reads and parses the definitions file at path.
func LoadDefinitions(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses YAML pipeline definitions. The document is checked
// against the embedded JSON schema, then every pipeline is validated and
// every stage capability must be declared in the same document.
func ParseDefinitions(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pipeline definitions: %w", err)
	}
	// Round trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline definitions: %w", err)
	}
	var instance any
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return nil, fmt.Errorf("parse pipeline definitions: %w", err)
	}
	schema, err := definitionSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("pipeline definitions do not match schema: %w", err)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode pipeline definitions: %w", err)
	}
	reg, err := doc.Registry()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(doc.Pipelines))
	for i := range doc.Pipelines {
		def := &doc.Pipelines[i]
		if _, dup := seen[def.ID]; dup {
			return nil, &DefinitionError{Pipeline: def.ID, Reason: "duplicate pipeline id"}
		}
		seen[def.ID] = struct{}{}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		for _, st := range def.Stages {
			if _, err := reg.Lookup(st.Capability); err != nil {
				return nil, &DefinitionError{Pipeline: def.ID, Stage: st.Name, Reason: err.Error()}
			}
		}
	}
	return &doc, nil
}

// Registry builds the capability registry declared by the document.
func (d *Document) Registry() (*Registry, error) {
	return NewRegistry(d.Capabilities...)
}

// Pipeline returns the pipeline with the given id.
func (d *Document) Pipeline(id string) (*Definition, bool) {
	for i := range d.Pipelines {
		if d.Pipelines[i].ID == id {
			return &d.Pipelines[i], true
		}
	}
	return nil, false
}

func definitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var schemaDoc any
		if err := json.Unmarshal(definitionsSchema, &schemaDoc); err != nil {
			errSchema = fmt.Errorf("unmarshal definitions schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("definitions.json", schemaDoc); err != nil {
			errSchema = fmt.Errorf("add definitions schema: %w", err)
			return
		}
		compiledSchema, errSchema = c.Compile("definitions.json")
	})
	return compiledSchema, errSchema
}
