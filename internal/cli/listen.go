package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/rulebox/internal/config"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	Mode string // overrides dispatch.mode
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen <program-dir>",
		Short: "Run stream listeners and the command queue until interrupted",
		Long: `Run the program as a long-lived process.

In stream mode one listener per aggregate stream delivers committed events to
policies and projections. Commands triggered by policies run from the queue.
With metrics enabled, /metrics is served on metrics.addr.

Stops on SIGINT or SIGTERM.

Example:
  rulebox listen ./fleet --mode stream --config rulebox.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "dispatch mode override (inline|stream)")
	return cmd
}

func runListen(opts *ListenOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	// Stop gracefully on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := opts.openApp(ctx, cmd, formatter, dir, func(cfg *config.Config) {
		if opts.Mode != "" {
			cfg.Dispatch.Mode = opts.Mode
		}
	})
	if err != nil {
		return err
	}
	defer closeApp(a)

	logger := a.Logger()
	logger.Info("listening",
		"mode", string(a.Engine.Mode()),
		"streams", a.Streams(),
		"metrics", a.Config.Metrics.Enabled)

	if err := a.Run(ctx); err != nil {
		return formatter.Fail(ExitFailure, "listener stopped", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// contextOrBackground returns ctx, or a background context when cobra ran
// without one.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
