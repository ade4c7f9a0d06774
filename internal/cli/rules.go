package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lonelysadness/sandfence/internal/rules"
)

func newRulesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the iptables commands the policy compiles to",
		Long: `rules compiles the trust policy and prints the exact iptables and
ip6tables invocations apply would install, without touching the kernel.
Needs no privileges; useful for reviewing a policy before rollout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()

			p, err := opts.loadPolicy(log)
			if err != nil {
				return err
			}

			set, err := (&rules.Compiler{Log: log}).Compile(p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range set.V4 {
				fmt.Fprintln(out, r.Command())
			}
			for _, r := range set.V6 {
				fmt.Fprintln(out, r.Command())
			}
			return nil
		},
	}
}
