package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lonelysadness/sandfence/internal/logger"
	"github.com/lonelysadness/sandfence/internal/policy"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sandfence",
		Short: "Egress firewall and connection attribution for sandboxed agents",
		Long: `sandfence locks down the network egress of a sandboxed agent container:
DNS is allowed only towards trusted resolvers, web traffic is forced
through a filtering proxy, dangerous ports are blocked outright and
everything else is dropped. A companion query attributes any observed
connection back to the process that opened it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"policy config file (default "+policy.DefaultConfigPath+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"enable debug logging")

	cmd.AddCommand(
		newApplyCmd(opts),
		newTeardownCmd(opts),
		newRulesCmd(opts),
		newAttributeCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

// Execute runs the CLI. Any failure exits non-zero so container
// entrypoints chaining on this binary fail closed.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger() *slog.Logger {
	return logger.New(o.verbose)
}

func (o *rootOptions) loadPolicy(log *slog.Logger) (*policy.TrustPolicy, error) {
	loader := &policy.Loader{Path: o.configPath, Log: log}
	return loader.Load()
}

// requireRoot guards the commands that mutate kernel state.
func requireRoot() error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("must run as root")
	}
	return nil
}
