package cli

import (
	"github.com/spf13/cobra"

	"github.com/lonelysadness/sandfence/internal/firewall"
	"github.com/lonelysadness/sandfence/internal/rules"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Compile the trust policy and install the egress firewall",
		Long: `apply loads the trust policy, compiles it into packet-filter rules and
installs them. Reapplying is idempotent: the managed chains are rebuilt
from scratch, nothing accumulates across container restarts.

Run this before the sandboxed workload starts. If it fails, the workload
must not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			log := opts.logger()

			p, err := opts.loadPolicy(log)
			if err != nil {
				return err
			}

			set, err := (&rules.Compiler{Log: log}).Compile(p)
			if err != nil {
				return err
			}

			applier, err := firewall.New(log)
			if err != nil {
				return err
			}
			if err := applier.Apply(set); err != nil {
				return err
			}

			log.Info("egress policy applied",
				"proxy", p.Proxy.String(),
				"resolvers", len(p.Resolvers),
				"ipv4_rules", len(set.V4),
				"ipv6_rules", len(set.V6),
				"ipv6", applier.HasIPv6())
			return nil
		},
	}
}
