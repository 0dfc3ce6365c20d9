package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/conductor/runtime/pipeline"
)

type runOptions struct {
	*rootOptions
	sessionID   string
	input       string
	definitions string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Execute a pipeline against a new or existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "session id; a new session is created when empty or unknown")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "pipeline input as JSON, plain text, or @file")
	cmd.Flags().StringVarP(&opts.definitions, "definitions", "d", "", "pipeline definitions file (overrides the configuration)")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, pipelineID string) error {
	input, err := readInput(o.input)
	if err != nil {
		return err
	}
	return o.withApp(cmd, func(ctx context.Context, a *app) error {
		path := o.definitions
		if path == "" {
			path = a.cfg.Definitions
		}
		doc, err := pipeline.LoadDefinitions(path)
		if err != nil {
			return err
		}
		def, ok := doc.Pipeline(pipelineID)
		if !ok {
			return fmt.Errorf("pipeline %q is not defined in %s", pipelineID, path)
		}
		exec, err := a.executor(doc)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info(ctx, log.KV{K: "msg", V: "running pipeline"}, log.KV{K: "pipeline", V: def.ID}, log.KV{K: "session", V: o.sessionID})
		res, err := exec.Run(ctx, def, o.sessionID, input)
		if res != nil {
			printResult(cmd.OutOrStdout(), res)
		}
		return err
	})
}

// readInput parses the --input flag. Valid JSON is used as is, "@path"
// reads the file, and anything else is sent as a JSON string.
func readInput(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	if json.Valid(data) {
		return data, nil
	}
	return json.Marshal(string(data))
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "pipeline %s session %s: %s\n", res.PipelineID, res.SessionID, outcomeColor(res.Outcome).Sprint(res.Outcome))
	for _, st := range res.Stages {
		line := fmt.Sprintf("  %-20s %-10s attempts=%d duration=%s", st.Name, statusColor(st.Status).Sprint(st.Status), st.Attempts, st.Duration)
		if st.Err != nil {
			line += " error=" + st.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}

func outcomeColor(o pipeline.Outcome) *color.Color {
	switch o {
	case pipeline.OutcomeSucceeded:
		return color.New(color.FgGreen, color.Bold)
	case pipeline.OutcomeDenied:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func statusColor(s pipeline.StageStatus) *color.Color {
	switch s {
	case pipeline.StageSucceeded:
		return color.New(color.FgGreen)
	case pipeline.StageDenied, pipeline.StageSkipped, pipeline.StageCanceled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
