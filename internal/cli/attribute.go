package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lonelysadness/sandfence/internal/attribution"
)

func newAttributeCmd(opts *rootOptions) *cobra.Command {
	var (
		procRoot string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "attribute <port>",
		Short: "Attribute a local source port to its owning process",
		Long: `attribute maps the local source port of an observed connection back to
the process that opened it, by correlating the kernel connection table
with per-process file descriptors.

Exactly one JSON record is written to stdout, carrying srcPort, pid,
cmdline, comm and either the socket inode or an error. The exit status
is zero only for a successful attribution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			port, err := attribution.ParsePort(args[0])
			if err != nil {
				printRecord(out, attribution.Invalid(err))
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			att := (&attribution.Resolver{ProcRoot: procRoot}).Resolve(ctx, port)
			printRecord(out, att)
			if att.Error != "" {
				return errors.New(att.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&procRoot, "proc-root", "/proc", "proc filesystem to read")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "bound on the process table scan")
	return cmd
}

func printRecord(w io.Writer, att attribution.Attribution) {
	// encoding/json escapes quotes, backslashes and control characters, so
	// hostile process names cannot break the one-line record format.
	json.NewEncoder(w).Encode(att)
}
