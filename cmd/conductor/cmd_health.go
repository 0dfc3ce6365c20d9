package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"goa.design/clue/health"
)

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to the configured session backend and locker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				return checkHealth(ctx, cmd, a.pingers)
			})
		},
	}
}

func checkHealth(ctx context.Context, cmd *cobra.Command, pingers []health.Pinger) error {
	h, ok := health.NewChecker(pingers...).Check(ctx)
	out := cmd.OutOrStdout()
	names := make([]string, 0, len(h.Status))
	for name := range h.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := h.Status[name]
		c := color.New(color.FgGreen)
		if status != "OK" {
			c = color.New(color.FgRed)
		}
		fmt.Fprintf(out, "%-20s %s\n", name, c.Sprint(status))
	}
	if !ok {
		return errors.New("unhealthy dependencies")
	}
	fmt.Fprintln(out, color.GreenString("healthy"))
	return nil
}
