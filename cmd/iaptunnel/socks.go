package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/iaptunnel/internal/listener"
	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/relay"
)

var socksListen string

var socksCmd = &cobra.Command{
	Use:   "socks",
	Short: "Run a SOCKS5 proxy that reaches instances by name",
	Long: `Socks accepts SOCKS5 CONNECT requests for instance[.zone[.project]]:port,
opens a loopback forwarder per destination on first use and reuses it for
later connections.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("listen") {
			cfg.Socks.Listen = socksListen
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return a.run(cmd.Context(), func(ctx context.Context, g *errgroup.Group) error {
			l, err := a.listenSOCKS(ctx, g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SOCKS5 proxy listening on %s\n", l.Addr())
			return nil
		})
	},
}

func init() {
	socksCmd.Flags().StringVar(&socksListen, "listen", "127.0.0.1:1080", "SOCKS5 listen address")
	rootCmd.AddCommand(socksCmd)
}

// listenSOCKS starts the forwarder manager and the SOCKS5 listener on g.
func (a *app) listenSOCKS(ctx context.Context, g *errgroup.Group) (*listener.SOCKSListener, error) {
	mgr, err := listener.NewManager(ctx, listener.ManagerConfig{
		Connector:     a.connector,
		Registry:      a.registry,
		Allow:         a.cfg.allowDestination,
		PolicyTimeout: a.cfg.PolicyTimeout,
		DrainTimeout:  a.cfg.DrainTimeout,
	})
	if err != nil {
		return nil, err
	}
	l, err := listener.ListenSOCKS(listener.SOCKSConfig{
		Addr:          a.cfg.Socks.Listen,
		Defaults:      a.cfg.defaults(),
		Relay:         mgr.Relay,
		Policy:        a.policy,
		PolicyTimeout: a.cfg.PolicyTimeout,
		DrainTimeout:  a.cfg.DrainTimeout,
	})
	if err != nil {
		_ = mgr.Close(0)
		return nil, err
	}
	a.setManager(mgr)
	obs.Info("socks.listening", obs.Fields{"addr": l.Addr().String()})
	g.Go(func() error {
		err := l.Serve(ctx)
		if cerr := mgr.Close(a.cfg.DrainTimeout); err == nil {
			err = cerr
		}
		return err
	})
	return l, nil
}

// allowDestination applies the configured SOCKS port allow list.
func (c *Config) allowDestination(d relay.Destination) bool {
	return len(c.Socks.AllowPorts) == 0 || slices.Contains(c.Socks.AllowPorts, d.Port)
}
