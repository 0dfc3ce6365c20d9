// Command conductor runs declarative LLM pipelines against persistent
// sessions and manages the session store.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/conductor/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "conductor",
		Short:        "Run LLM pipelines over persistent, policy-guarded sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "conductor.yaml", "configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logs")

	root.AddCommand(
		newRunCmd(opts),
		newSessionCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// load reads the configuration and returns a context carrying the clue
// logger configured from it.
func (o *rootOptions) load(ctx context.Context) (context.Context, config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return ctx, cfg, err
	}
	format := log.FormatText
	switch {
	case cfg.Log.Format == "json":
		format = log.FormatJSON
	case log.IsTerminal():
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if o.debug || cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx, cfg, nil
}

// withApp loads the configuration, builds the app and runs fn. The app is
// closed when fn returns.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx, cfg, err := o.load(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}
