package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

func newWorkersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Manage the worker pool",
	}
	cmd.AddCommand(
		newWorkersAddCmd(root),
		newWorkersListCmd(root),
		newWorkersStatsCmd(root),
		newWorkersResetCmd(root),
		newWorkersActivateCmd(root),
		newWorkersBlockCmd(root),
		newWorkersCooldownCmd(root),
		newWorkersRemoveCmd(root),
	)
	return cmd
}

func newWorkersAddCmd(root *rootOptions) *cobra.Command {
	var (
		handle  string
		payload map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add <credential-key>",
		Short: "Add a worker for a credential; adding a known credential is a no-op",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				if handle == "" {
					handle = args[0]
				}
				id, err := a.pool.AddWorker(ctx, worker.Credential{Key: args[0], Handle: handle, Payload: payload})
				if err != nil {
					return err
				}
				snap, err := a.pool.Get(id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "display name of the worker")
	cmd.Flags().StringToStringVar(&payload, "payload", nil, "opaque connection parameters, key=value")
	return cmd
}

func newWorkersListCmd(root *rootOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers in insertion order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []worker.Status
			for _, s := range statuses {
				st, err := worker.ParseStatus(s)
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}
			return root.withApp(cmd, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.pool.List(filter...))
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only workers in these statuses")
	return cmd
}

func newWorkersStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.pool.Stats())
			})
		},
	}
}

func newWorkersResetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [worker-id...]",
		Short: "Reset daily quotas of the given workers, or of all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pool.ResetDailyLimits(ctx, args...); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.pool.Stats())
			})
		},
	}
}

func setStatusCmd(root *rootOptions, use, short string, status worker.Status, withCooldown bool) *cobra.Command {
	var cooldown time.Duration
	cmd := &cobra.Command{
		Use:   use + " <worker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pool.SetStatus(ctx, args[0], status, cooldown); err != nil {
					return err
				}
				snap, err := a.pool.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
	if withCooldown {
		cmd.Flags().DurationVar(&cooldown, "cooldown", 0, "cooldown length, zero for the configured default")
	}
	return cmd
}

func newWorkersActivateCmd(root *rootOptions) *cobra.Command {
	return setStatusCmd(root, "activate", "Mark a worker active, clearing its cooldown and failures", worker.StatusActive, false)
}

func newWorkersBlockCmd(root *rootOptions) *cobra.Command {
	return setStatusCmd(root, "block", "Take a worker out of rotation", worker.StatusBlocked, false)
}

func newWorkersCooldownCmd(root *rootOptions) *cobra.Command {
	return setStatusCmd(root, "cooldown", "Rest a worker for a while", worker.StatusCooldown, true)
}

func newWorkersRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <worker-id>",
		Short: "Delete a worker from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.pool.Remove(ctx, args[0])
			})
		},
	}
}
