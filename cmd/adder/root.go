package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config/viperloader"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "adder",
		Short:         "Move members between collections with a pool of rate-limited workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newSessionsCmd(opts),
		newWorkersCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load(ctx context.Context) (*config.Config, error) {
	cfg, err := viperloader.New(o.configPath).Load(ctx)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// withApp loads configuration, wires the application, runs fn and tears
// everything down again.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	cfg, err := o.load(ctx)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
