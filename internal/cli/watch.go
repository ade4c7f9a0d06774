package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lonelysadness/sandfence/internal/attribution"
	"github.com/lonelysadness/sandfence/internal/firewall"
	"github.com/lonelysadness/sandfence/internal/geoip"
	"github.com/lonelysadness/sandfence/internal/watch"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		queueV4    uint16
		queueV6    uint16
		geoCountry string
		geoASN     string
		eventsPath string
		cacheTTL   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream audit events for denied egress traffic",
		Long: `watch taps the traffic that is about to hit the deny rule, attributes
each packet to the process that sent it and writes one JSON event per
packet. The packets are still dropped; watch observes the policy, it
never loosens it. Runs until interrupted.

Requires apply to have run first.`,
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

			events := io.Writer(os.Stdout)
			if eventsPath != "" && eventsPath != "-" {
				f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("opening events file: %w", err)
				}
				defer f.Close()
				events = f
			}

			var geo *geoip.DB
			if geoCountry != "" || geoASN != "" {
				geo, err = geoip.Open(geoCountry, geoASN)
				if err != nil {
					return fmt.Errorf("opening GeoIP databases: %w", err)
				}
				defer geo.Close()
			}

			watcher := watch.New(watch.Config{
				QueueV4:  queueV4,
				QueueV6:  queueV6,
				Applier:  applier,
				Resolver: attribution.NewCache(&attribution.Resolver{}, cacheTTL),
				Geo:      geo,
				Events:   events,
				Log:      log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("watching denied egress traffic", "queue_v4", queueV4, "queue_v6", queueV6)
			return watcher.Run(ctx)
		},
	}

	cmd.Flags().Uint16Var(&queueV4, "queue-v4", watch.DefaultQueueV4, "NFQUEUE number for IPv4")
	cmd.Flags().Uint16Var(&queueV6, "queue-v6", watch.DefaultQueueV6, "NFQUEUE number for IPv6")
	cmd.Flags().StringVar(&geoCountry, "geoip-country", "", "MaxMind country database path")
	cmd.Flags().StringVar(&geoASN, "geoip-asn", "", "MaxMind ASN database path")
	cmd.Flags().StringVar(&eventsPath, "events", "", "write audit events to this file instead of stdout")
	cmd.Flags().DurationVar(&cacheTTL, "cache-ttl", attribution.DefaultTTL, "attribution cache lifetime")
	return cmd
}
