package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

const testPipelines = `
capabilities:
  - name: classify
    kind: sampling
    provider: openai
    instruction: Classify the report.
  - name: route
    kind: tool_call
    provider: openai
pipelines:
  - id: triage
    stages:
      - name: label
        capability: classify
        required: true
      - name: assign
        capability: route
        required: true
        consumes: [label]
`

// fakeOpenAI serves chat completions that echo a fixed JSON object.
func fakeOpenAI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","model":"gpt-4o",`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "pipelines.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(testPipelines), 0o600))
	cfg := fmt.Sprintf(`
session:
  backend: file
  dir: %s
  locker: file
providers:
  anthropic:
    api_key_env: CONDUCTOR_TEST_UNSET_KEY
  openai:
    api_key_env: CONDUCTOR_TEST_OPENAI_KEY
    base_url: %s/v1
definitions: %s
`, filepath.Join(dir, "sessions"), baseURL, defs)
	path := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunAndInspectSession(t *testing.T) {
	srv, calls := fakeOpenAI(t)
	t.Setenv("CONDUCTOR_TEST_OPENAI_KEY", "test-key")
	cfg := writeTestConfig(t, srv.URL)

	out, err := execute(t, "--config", cfg, "run", "triage", "--session", "s1", "--input", "printer on fire")
	require.NoError(t, err, out)
	require.Contains(t, out, "pipeline triage session s1: succeeded")
	require.Contains(t, out, "label")
	require.Contains(t, out, "assign")
	require.Equal(t, int32(2), calls.Load())

	out, err = execute(t, "--config", cfg, "session", "show", "s1")
	require.NoError(t, err)
	var doc struct {
		Status  string                     `json:"status"`
		Context map[string]json.RawMessage `json:"context"`
		History []json.RawMessage          `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Equal(t, "completed", doc.Status)
	require.JSONEq(t, `"printer on fire"`, string(doc.Context["input"]))
	require.JSONEq(t, `{"ok":true}`, string(doc.Context["assign"]))
	require.Len(t, doc.History, 2)

	out, err = execute(t, "--config", cfg, "session", "list")
	require.NoError(t, err)
	require.Contains(t, out, "s1")
	require.Contains(t, out, "completed")

	_, err = execute(t, "--config", cfg, "run", "triage", "--session", "s1")
	require.Error(t, err, "completed sessions cannot run again")
}

func TestRunWithoutProviderFails(t *testing.T) {
	srv, calls := fakeOpenAI(t)
	t.Setenv("CONDUCTOR_TEST_OPENAI_KEY", "")
	cfg := writeTestConfig(t, srv.URL)

	_, err := execute(t, "--config", cfg, "run", "triage")
	require.Error(t, err)
	require.Zero(t, calls.Load())

	out, err := execute(t, "--config", cfg, "session", "list")
	require.NoError(t, err)
	require.Empty(t, strings.TrimSpace(out))
}

func TestRunUnknownPipeline(t *testing.T) {
	srv, _ := fakeOpenAI(t)
	t.Setenv("CONDUCTOR_TEST_OPENAI_KEY", "test-key")
	_, err := execute(t, "--config", writeTestConfig(t, srv.URL), "run", "missing")
	require.ErrorContains(t, err, `pipeline "missing" is not defined`)
}

func TestSessionPauseAndDelete(t *testing.T) {
	srv, _ := fakeOpenAI(t)
	t.Setenv("CONDUCTOR_TEST_OPENAI_KEY", "test-key")
	cfg := writeTestConfig(t, srv.URL)

	_, err := execute(t, "--config", cfg, "session", "pause", "nope")
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "run", "triage", "--session", "s2", "--input", `{"title":"x"}`)
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "session", "pause", "s2")
	require.Error(t, err, "completed sessions cannot be paused")

	_, err = execute(t, "--config", cfg, "session", "delete", "s2")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "session", "show", "s2")
	require.Error(t, err)
}

func TestSweepAndHealth(t *testing.T) {
	srv, _ := fakeOpenAI(t)
	cfg := writeTestConfig(t, srv.URL)

	out, err := execute(t, "--config", cfg, "session", "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "archived 0, purged 0")

	out, err = execute(t, "--config", cfg, "health")
	require.NoError(t, err)
	require.Contains(t, out, "healthy")
}

func TestReadInput(t *testing.T) {
	in, err := readInput("")
	require.NoError(t, err)
	require.Nil(t, in)

	in, err = readInput(`{"a":1}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(in))

	in, err = readInput("plain text")
	require.NoError(t, err)
	require.JSONEq(t, `"plain text"`, string(in))

	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0o600))
	in, err = readInput("@" + path)
	require.NoError(t, err)
	require.JSONEq(t, `[1,2]`, string(in))

	_, err = readInput("@" + filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
