package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/snapshot"
)

// BackupOptions holds flags for the backup and restore commands.
type BackupOptions struct {
	*RootOptions
	Dir string // overrides backup.dir
}

// BackupResult is the output of backup and restore.
type BackupResult struct {
	Name string        `json:"name"`
	Info snapshot.Info `json:"info"`
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "backup <program-dir> <name>",
		Short: "Write a compressed snapshot of the store",
		Long: `Write every collection and stream of the store as a snappy-compressed
snapshot named <name>, to backup.dir or to S3 when backup.s3_bucket is set.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd, args, "Backup", (*app.App).Backup)
		},
	}
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "backup directory override")
	return cmd
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "restore <program-dir> <name>",
		Short: "Load a snapshot into an empty store",
		Long: `Load the snapshot <name> into the configured store. The store must hold no
events and no documents.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd, args, "Restore", (*app.App).Restore)
		},
	}
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "backup directory override")
	return cmd
}

type snapshotFunc func(*app.App, context.Context, string) (snapshot.Info, error)

func runSnapshot(opts *BackupOptions, cmd *cobra.Command, args []string, verb string, run snapshotFunc) error {
	formatter := opts.formatter(cmd)
	ctx := contextOrBackground(cmd.Context())
	dir, name := args[0], args[1]

	a, err := opts.openApp(ctx, cmd, formatter, dir, func(cfg *config.Config) {
		if opts.Dir != "" {
			cfg.Backup.Dir = opts.Dir
		}
	})
	if err != nil {
		return err
	}
	defer closeApp(a)

	info, err := run(a, ctx, name)
	if err != nil {
		return formatter.Fail(ExitFailure, verb+" failed", err)
	}
	return formatter.Success(BackupResult{Name: name, Info: info},
		fmt.Sprintf("✓ %s %s: %d documents in %d collections, %d events in %d streams",
			verb, name, info.Documents, info.Collections, info.Events, info.Streams))
}
