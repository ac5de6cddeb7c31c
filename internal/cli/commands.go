package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
)

func newSyncCommand(opts *Options) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Check for a newer bundle and download it",
		Long: `Ask the update server for the newest bundle of the configured channel.
A newer bundle is downloaded and validated. It is activated right away with
the immediate strategy or when the release is mandatory.

sync reports failures in its output and exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := config.Strategy(strategy)
			if s != "" && !slices.Contains([]config.Strategy{config.StrategyImmediate, config.StrategyBackground, config.StrategyManual}, s) {
				return fmt.Errorf("strategy must be immediate, background or manual, got %q: %w", strategy, errdefs.ErrConfig)
			}
			return withController(cmd.Context(), opts, func(c controller) error {
				result, err := c.Sync(cmd.Context(), s)
				if err != nil {
					return err
				}
				if err := render(cmd.OutOrStdout(), opts.Output, result); err != nil {
					return err
				}
				return result.Err
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "override the configured update strategy")
	return cmd
}

func newCheckCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Show the newest bundle the server offers without downloading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *engine) error {
				c, err := e.Check(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, c)
			})
		},
	}
}

func newDownloadCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download and validate the newest bundle without activating it",
		Long: `Download the bundle the server offers for the configured channel, even
when it is not newer than the served version. The bundle is stored as READY;
activate it with set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *engine) error {
				c, err := e.Check(cmd.Context())
				if err != nil {
					return err
				}
				if !c.Manifest.Available {
					return fmt.Errorf("no bundle is published for channel %s: %w", e.Config().Channel, errdefs.ErrNotFound)
				}
				rec, err := e.Download(cmd.Context(), c.Manifest)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, rec)
			})
		},
	}
}

func newListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the bundles in the catalog",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				records, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				if records == nil {
					records = []bundle.Record{}
				}
				return render(cmd.OutOrStdout(), opts.Output, records)
			})
		},
	}
}

func newCurrentCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the active bundle and the served version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				return renderCurrent(cmd, opts, c)
			})
		},
	}
}

func renderCurrent(cmd *cobra.Command, opts *Options, c controller) error {
	res, err := c.Current(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.Output, res)
}

func newSetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <bundle-id>",
		Short: "Activate a downloaded bundle",
		Long: `Activate a READY bundle and point the content root at it. The activation
stays pending until notify-ready; recover rolls back a pending activation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				rec, err := c.Set(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, rec)
			})
		},
	}
}

func newDeleteCommand(opts *Options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "delete <bundle-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a bundle and its content",
		Long: `Delete a bundle from the catalog and storage. The active bundle is only
deleted with --force, in which case the builtin content is served again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				return c.Delete(cmd.Context(), args[0], force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete the bundle even if it is active")
	return cmd
}

func newCleanupCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy to inactive bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *engine) error {
				deleted, err := e.Cleanup(cmd.Context())
				if deleted == nil {
					deleted = []string{}
				}
				if renderErr := render(cmd.OutOrStdout(), opts.Output, deleted); renderErr != nil {
					return renderErr
				}
				return err
			})
		},
	}
}

func newNotifyReadyCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-ready",
		Short: "Confirm that the application runs fine on the active bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				res, err := c.NotifyAppReady(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, res)
			})
		},
	}
}

func newResetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every bundle and serve the builtin content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), opts, func(c controller) error {
				return c.Reset(cmd.Context())
			})
		},
	}
}

func newRecoverCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Roll back an unconfirmed activation and clean up interrupted downloads",
		Long: `Run the startup recovery of the engine. Call it once when the application
starts, before serving content: an activation that was never confirmed with
notify-ready is rolled back to the last confirmed bundle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *engine) error {
				if err := e.Start(cmd.Context()); err != nil {
					return err
				}
				return renderCurrent(cmd, opts, local{e})
			})
		},
	}
}
