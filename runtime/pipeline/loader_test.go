package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/pipeline"
)

const reviewYAML = `
capabilities:
  - name: summarize
    kind: sampling
    provider: anthropic
    model: claude-sonnet-4-5
    instruction: Summarize the change.
    max_tokens: 1024
  - name: lint
    kind: tool_call
    provider: openai
pipelines:
  - id: review
    max_concurrency: 2
    stages:
      - name: summary
        capability: summarize
        required: true
        timeout: 45s
      - name: lint
        capability: lint
      - name: report
        capability: summarize
        required: true
        consumes: [summary, lint]
`

func TestParseDefinitions(t *testing.T) {
	doc, err := pipeline.ParseDefinitions([]byte(reviewYAML))
	require.NoError(t, err)
	require.Len(t, doc.Capabilities, 2)

	def, ok := doc.Pipeline("review")
	require.True(t, ok)
	require.Equal(t, 2, def.MaxConcurrency)
	require.Len(t, def.Stages, 3)
	require.Equal(t, 45*time.Second, def.Stages[0].Timeout)
	require.True(t, def.Stages[0].Required)
	require.False(t, def.Stages[1].Required)
	require.Equal(t, []string{"summary", "lint"}, def.Stages[2].Consumes)

	reg, err := doc.Registry()
	require.NoError(t, err)
	c, err := reg.Lookup("summarize")
	require.NoError(t, err)
	require.Equal(t, "anthropic", c.Provider)
	require.Equal(t, 1024, c.MaxTokens)

	_, ok = doc.Pipeline("missing")
	require.False(t, ok)
}

func TestParseDefinitionsRejects(t *testing.T) {
	cases := map[string]string{
		"not yaml":          "pipelines: [",
		"empty":             "",
		"unknown field":     "pipelines:\n  - id: p\n    stages: [{name: a, capability: c}]\n    retries: 3\ncapabilities: [{name: c, kind: sampling, provider: x}]\n",
		"bad kind":          "pipelines:\n  - id: p\n    stages: [{name: a, capability: c}]\ncapabilities: [{name: c, kind: email, provider: x}]\n",
		"bad timeout":       "pipelines:\n  - id: p\n    stages: [{name: a, capability: c, timeout: soon}]\ncapabilities: [{name: c, kind: sampling, provider: x}]\n",
		"forward reference": "pipelines:\n  - id: p\n    stages: [{name: a, capability: c, consumes: [b]}, {name: b, capability: c}]\ncapabilities: [{name: c, kind: sampling, provider: x}]\n",
		"undeclared cap":    "pipelines:\n  - id: p\n    stages: [{name: a, capability: nope}]\n",
		"duplicate id":      "pipelines:\n  - id: p\n    stages: [{name: a, capability: c}]\n  - id: p\n    stages: [{name: a, capability: c}]\ncapabilities: [{name: c, kind: sampling, provider: x}]\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pipeline.ParseDefinitions([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o600))
	doc, err := pipeline.LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, doc.Pipelines, 1)

	_, err = pipeline.LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
