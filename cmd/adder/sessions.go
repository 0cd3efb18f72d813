package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/sessions"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain operation sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(root),
		newSessionsShowCmd(root),
		newSessionsReportCmd(root),
		newSessionsExportCmd(root),
		newSessionsRecoverCmd(root),
		newSessionsArchiveCmd(root),
	)
	return cmd
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	var (
		sessionType string
		statuses    []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := sessions.Filter{Type: sessionType}
			for _, s := range statuses {
				st, err := session.ParseStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.sessions.List(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&sessionType, "type", "", "only sessions of this strategy")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only sessions in these statuses")
	return cmd
}

func newSessionsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the full state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				sess, err := a.sessions.Load(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newSessionsReportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <session-id>",
		Short: "Summarize the outcome of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.sessions.Report(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newSessionsExportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print totals across every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				exp, err := a.sessions.ExportSummary(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), exp)
			})
		},
	}
}

func newSessionsRecoverCmd(root *rootOptions) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "List sessions left running, paused or interrupted",
		Long: "List sessions left running, paused or interrupted. With --resume each " +
			"of them is resumed in turn, oldest first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				incomplete, err := a.sessions.FindIncomplete(ctx)
				if err != nil {
					return err
				}
				if !resume {
					ids := make([]string, 0, len(incomplete))
					for _, s := range incomplete {
						ids = append(ids, s.ID())
					}
					return printJSON(cmd.OutOrStdout(), ids)
				}

				a.serveMetrics(ctx)
				for _, s := range incomplete {
					a.log.Info(ctx, "Recovering session", "session_id", s.ID(), "status", s.Status())
					res, err := resumeSession(ctx, a, s.ID())
					if err := finish(cmd, a, res, err); err != nil {
						return fmt.Errorf("failed to recover session %s: %w", s.ID(), err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume every incomplete session")
	return cmd
}

func newSessionsArchiveCmd(root *rootOptions) *cobra.Command {
	var (
		olderThan  int
		compress   bool
		noCompress bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old completed and failed sessions to the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				days := a.cfg.Sessions.ArchiveAfterDays
				if cmd.Flags().Changed("older-than-days") {
					days = olderThan
				}
				gz := a.cfg.Sessions.CompressArchives
				if compress {
					gz = true
				}
				if noCompress {
					gz = false
				}

				n, err := a.sessions.Archive(ctx, days, gz)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"archived": n})
			})
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than-days", 0, "archive sessions finished more than this many days ago")
	cmd.Flags().BoolVar(&compress, "compress", false, "gzip archived sessions")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "store archived sessions uncompressed")
	cmd.MarkFlagsMutuallyExclusive("compress", "no-compress")
	return cmd
}
