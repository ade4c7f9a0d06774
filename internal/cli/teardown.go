package cli

import (
	"github.com/spf13/cobra"

	"github.com/lonelysadness/sandfence/internal/firewall"
)

func newTeardownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Remove the managed firewall chains",
		Long: `teardown unhooks and deletes the chains apply created. Partial failures
do not stop the removal; everything that went wrong is reported at the
end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			log := opts.logger()

			applier, err := firewall.New(log)
			if err != nil {
				return err
			}
			if err := applier.Teardown(); err != nil {
				return err
			}

			log.Info("egress policy removed")
			return nil
		},
	}
}
