// Package cli implements the liveupdate command line.
package cli

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/spf13/cobra"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// Options are the global flag defaults. cmd/liveupdate fills them from LIVEUPDATE_* variables.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Output     string
	Listen     string
	// Daemon is the base URL of a running daemon. Lifecycle commands go through its API when set.
	Daemon string
	// HTTPClient replaces the pooled client used for manifest and bundle requests.
	HTTPClient *http.Client
}

var outputFormats = []string{"json", "yaml", "text"}

func NewRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:   "liveupdate",
		Short: "Fetch, verify, activate and roll back content bundles",
		Long: `liveupdate keeps the content root of an application up to date with the
bundles an update server publishes for a channel.

Bundles are checked against the configured checksum and signature before they
are stored. An activated bundle must be confirmed with notify-ready; an
activation that is never confirmed is rolled back by recover or by the daemon.`,
		Example: `  liveupdate --config /etc/liveupdate.yaml check
  liveupdate --config /etc/liveupdate.yaml sync --strategy immediate
  liveupdate --config /etc/liveupdate.yaml notify-ready
  liveupdate --config /etc/liveupdate.yaml daemon --listen :8080
  liveupdate --daemon http://127.0.0.1:8080 notify-ready`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(outputFormats, opts.Output) {
				return fmt.Errorf("output must be one of %v, got %q: %w", outputFormats, opts.Output, errdefs.ErrConfig)
			}
			logger, err := logging.Configure(opts.LogLevel, opts.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			cmd.SetContext(logging.NewContext(cmd.Context(), logger))
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "path to the configuration file (yaml, toml or json)")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level")
	flags.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "log format")
	flags.StringVarP(&opts.Output, "output", "o", opts.Output, "output format: json, yaml or text")
	flags.StringVar(&opts.Daemon, "daemon", opts.Daemon, "base url of a running daemon to send sync, list, current, set, delete, notify-ready and reset to")

	root.AddCommand(
		newSyncCommand(&opts),
		newCheckCommand(&opts),
		newDownloadCommand(&opts),
		newListCommand(&opts),
		newCurrentCommand(&opts),
		newSetCommand(&opts),
		newDeleteCommand(&opts),
		newCleanupCommand(&opts),
		newNotifyReadyCommand(&opts),
		newResetCommand(&opts),
		newRecoverCommand(&opts),
		newBackgroundCommand(&opts),
		newDaemonCommand(&opts),
	)
	return root
}
