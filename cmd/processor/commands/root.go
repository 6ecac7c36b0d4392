package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/admin"
	"github.com/openfroyo/processor/pkg/config"
)

const defaultAdminAddress = "127.0.0.1:7420"

var (
	// Global flags
	configPath string
	adminAddr  string
	actor      string
	timeout    time.Duration
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "processor",
		Short: "Batch execution engine",
		Long: `processor executes authorized batches of operations across one or more
execution domains.

Batches wait in three priority queues and are executed one step per tick.
Failed functions are retried according to their retry policy, and every
batch ends with exactly one result delivered to the authorizer:
success, partially executed, or rejected.

"processor serve" runs the engine. The other commands talk to a running
server through its admin API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "", "admin API address (default from config, then "+defaultAdminAddress+")")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "operator name recorded in the audit trail")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "admin API request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newBatchCommand())
	rootCmd.AddCommand(newParkedCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newJournalCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// newAdminClient connects to the admin API of a running server. The address
// comes from --admin-addr, then the config file, then the default.
func newAdminClient() (*admin.Client, error) {
	addr := adminAddr
	if addr == "" && configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Admin.ListenAddress
	}
	if addr == "" {
		addr = defaultAdminAddress
	}
	return admin.NewClient(admin.ClientConfig{
		Address: addr,
		Actor:   actor,
		Timeout: timeout,
	})
}
