package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/strategy"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	progressreporter "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/progress_reporter"
)

type runOptions struct {
	strategy string
	sources  []string
	targets  []string
	pairs    []string
	limit    int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new transfer operation",
		Example: `  adder run --source src --target dst --limit 20
  adder run --strategy distributed --pair src-a:dst-a:1 --pair src-b:dst-b --limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				return opts.run(ctx, cmd, a)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.strategy, "strategy", "", "sequential or distributed (defaults to the configured kind)")
	f.StringSliceVar(&opts.sources, "source", nil, "source collection, repeatable")
	f.StringSliceVar(&opts.targets, "target", nil, "target collection, repeatable")
	f.StringArrayVar(&opts.pairs, "pair", nil, "source:target[:priority] pair for the distributed strategy, repeatable")
	f.IntVar(&opts.limit, "limit", 0, "maximum number of members to transfer")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func (o *runOptions) run(ctx context.Context, cmd *cobra.Command, a *app) error {
	kindName := o.strategy
	if kindName == "" {
		kindName = a.cfg.Strategy.Kind
	}
	kind, err := strategy.ParseKind(kindName)
	if err != nil {
		return err
	}

	strat, err := a.strategy(kind)
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)
	progress := progressreporter.Callback(ctx, a.reporter, a.log)

	var res transfer.Result
	if len(o.pairs) > 0 {
		dist, ok := strat.(*strategy.Distributed)
		if !ok {
			return errors.New("--pair requires the distributed strategy")
		}
		specs, perr := parsePairs(o.pairs)
		if perr != nil {
			return perr
		}
		res, err = dist.ExecutePairs(ctx, specs, o.limit, progress)
	} else {
		res, err = strat.Execute(ctx, o.sources, o.targets, o.limit, progress)
	}
	return finish(cmd, a, res, err)
}

// finish prints the run result. A run that stopped early still reports what
// it achieved before returning its error.
func finish(cmd *cobra.Command, a *app, res transfer.Result, runErr error) error {
	if res.SessionID != "" {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		a.log.Warn(cmd.Context(), "Operation ended early",
			"session_id", res.SessionID, "stop_reason", res.StopReason, "error", runErr)
	}
	return runErr
}

func parsePairs(raw []string) ([]strategy.PairSpec, error) {
	specs := make([]strategy.PairSpec, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid pair %q, want source:target[:priority]", r)
		}
		spec := strategy.PairSpec{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			p, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("invalid priority in pair %q: %w", r, err)
			}
			spec.Priority = p
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue an interrupted or paused operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				a.serveMetrics(ctx)
				res, err := resumeSession(ctx, a, args[0])
				return finish(cmd, a, res, err)
			})
		},
	}
}

func resumeSession(ctx context.Context, a *app, id string) (transfer.Result, error) {
	sess, err := a.sessions.Load(ctx, id)
	if err != nil {
		return transfer.Result{}, err
	}
	kind, err := strategy.ParseKind(sess.Type())
	if err != nil {
		return transfer.Result{}, fmt.Errorf("session %s: %w", id, err)
	}
	strat, err := a.strategy(kind)
	if err != nil {
		return transfer.Result{}, err
	}
	return strat.Resume(ctx, id, progressreporter.Callback(ctx, a.reporter, a.log))
}
