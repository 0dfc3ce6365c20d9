package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"goa.design/conductor/runtime/session"
)

func newSessionCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and maintain stored sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return root.withApp(cmd, func(ctx context.Context, a *app) error {
					return listSessions(ctx, cmd, a.store)
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(ctx context.Context, a *app) error {
					s, err := a.store.Load(ctx, args[0])
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(s)
				})
			},
		},
		&cobra.Command{
			Use:   "pause <id>",
			Short: "Suspend an active session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(ctx context.Context, a *app) error {
					s, err := withLease(ctx, a.store, args[0], func() (*session.Session, error) {
						return a.lifecycle.Pause(ctx, args[0])
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.ID, s.Status)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return root.withApp(cmd, func(ctx context.Context, a *app) error {
					_, err := withLease(ctx, a.store, args[0], func() (*session.Session, error) {
						return nil, a.store.Delete(ctx, args[0])
					})
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Archive and purge sessions per the retention configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return root.withApp(cmd, func(ctx context.Context, a *app) error {
					report, err := session.NewSweeper(a.store, a.cfg.Retention, a.tel.Logger).Sweep(ctx)
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "archived %d, purged %d, corrupt %d, skipped %d\n",
						len(report.Archived), len(report.Purged), len(report.Corrupt), len(report.Skipped))
					for _, id := range report.Corrupt {
						fmt.Fprintf(out, "  %s %s\n", color.RedString("corrupt"), id)
					}
					return err
				})
			},
		},
	)
	return cmd
}

func listSessions(ctx context.Context, cmd *cobra.Command, store *session.Store) error {
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, id := range ids {
		s, err := store.Load(ctx, id)
		if session.IsCorrupt(err) {
			fmt.Fprintf(out, "%-38s %s\n", id, color.RedString("corrupt"))
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-38s %-10s stages=%-3d updated=%s\n", s.ID, s.Status, len(s.History), s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// withLease runs fn while holding the writer lease on id. The lease is
// released whether or not fn succeeds.
func withLease(ctx context.Context, store *session.Store, id string, fn func() (*session.Session, error)) (*session.Session, error) {
	if err := store.Acquire(ctx, id); err != nil {
		return nil, err
	}
	s, err := fn()
	if rerr := store.Release(ctx, id); rerr != nil && err == nil {
		err = rerr
	}
	return s, err
}
