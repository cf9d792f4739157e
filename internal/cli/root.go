package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/config"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "rulebox.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string

	// configSet records an explicit --config, which must exist.
	configSet bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rulebox CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rulebox",
		Short: "rulebox - rule-driven event-sourced persistence",
		Long: `rulebox runs CUE programs of aggregates, queries, policies and projections
on an event store plus document store (SQLite, in-memory or MongoDB).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.configSet = cmd.Flags().Changed("config")
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", DefaultConfigFile, "configuration file")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads the configuration. The default file may be absent; an
// explicit --config must exist.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.configSet {
		return config.Load(o.Config)
	}
	return config.LoadOptional(o.Config)
}

// newLogger builds the process logger from the log section. --verbose
// forces debug level.
func (o *RootOptions) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Log.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp loads the configuration, lets adjust modify it and builds the App
// for the program in dir. Failures are reported through f.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command, f *OutputFormatter, dir string, adjust func(*config.Config)) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, f.Fail(ExitCommandError, "failed to load configuration", err)
	}
	if adjust != nil {
		adjust(cfg)
	}
	logger := o.newLogger(cfg, cmd.ErrOrStderr())

	a, err := app.New(ctx, cfg, dir, app.WithLogger(logger))
	if err != nil {
		return nil, f.Fail(ExitCommandError, "failed to start program", err)
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger().Error("error closing program", "error", err)
	}
}
