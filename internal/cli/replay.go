package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Stream string
}

// ReplayResult is the output of replay.
type ReplayResult struct {
	Stream string `json:"stream"`
	Events int    `json:"events"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <program-dir>",
		Short: "Re-deliver a stream to policies and projections",
		Long: `Re-deliver every event of a stream, in order, to the registered policies
and projections. Use it to rebuild read models after changing a projection.

Commands triggered by policies run as well, so replay a stream only into
read models that tolerate it.

Example:
  rulebox replay ./fleet --stream public_stream`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "stream to replay (required)")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func runReplay(opts *ReplayOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := contextOrBackground(cmd.Context())

	a, err := opts.openApp(ctx, cmd, formatter, dir, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	n, err := a.Replay(ctx, opts.Stream)
	if err != nil {
		return formatter.Fail(ExitFailure, fmt.Sprintf("replay of %s failed after %d event(s)", opts.Stream, n), err)
	}
	return formatter.Success(ReplayResult{Stream: opts.Stream, Events: n},
		fmt.Sprintf("✓ Replayed %d event(s) from %s", n, opts.Stream))
}
