package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/discovery"
)

type discoverFlags struct {
	groups  []string
	timeout time.Duration
	unicast string
	watch   bool
}

func newDiscoverCmd(cfgFile *string) *cobra.Command {
	var f discoverFlags
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find lookup services by multicast request, unicast query or announcements",
		Long: `Find lookup services and print one JSON object per registry.

Examples:
  # Multicast a request for the public group and wait 3s for callbacks
  lookupd discover

  # Only registries in group "office"
  lookupd discover --group office --timeout 5s

  # Ask one registry directly
  lookupd discover --unicast lookup-1:4160

  # Print announcements until interrupted
  lookupd discover --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, cfg, err := loadConfig(ctx, *cfgFile, clog.Discard())
			if err != nil {
				return err
			}
			return discover(ctx, &cfg.Discovery, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&f.groups, "group", "g", nil, "groups to ask for (default: any group)")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 3*time.Second, "how long to collect responses")
	cmd.Flags().StringVarP(&f.unicast, "unicast", "u", "", "host:port of a registry to ask directly")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "print announcements until interrupted")
	return cmd
}

func discover(ctx context.Context, cfg *discovery.Config, f discoverFlags, w io.Writer) error {
	enc := json.NewEncoder(w)

	if f.watch {
		return discovery.WatchAnnouncements(ctx, cfg, func(a *discovery.Announcement) {
			_ = enc.Encode(a)
		})
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.unicast != "" {
		resp, err := discovery.Unicast(ctx, f.unicast)
		if err != nil {
			return err
		}
		return enc.Encode(resp)
	}

	resps, err := discovery.Discover(ctx, cfg, f.groups)
	if err != nil {
		return err
	}
	for _, r := range resps {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
