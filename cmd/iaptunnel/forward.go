package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/iaptunnel/internal/listener"
	"github.com/matst80/iaptunnel/internal/obs"
	"github.com/matst80/iaptunnel/internal/relay"
)

var forwardListen string

var forwardCmd = &cobra.Command{
	Use:   "forward [INSTANCE[.ZONE[.PROJECT]] PORT]",
	Short: "Forward local TCP ports to instance ports",
	Long: `Forward binds one local port per destination and opens a relay session
for every accepted connection. Destinations come from the arguments and from
the forwards list of the configuration file.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("expected INSTANCE and PORT, or none with forwards in --config")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		forwards, err := forwardsFrom(&cfg, args, forwardListen)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return a.run(cmd.Context(), func(ctx context.Context, g *errgroup.Group) error {
			for _, f := range forwards {
				l, err := a.listenForward(f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s -> %s\n", l.Addr(), l.Destination())
				g.Go(func() error { return l.Serve(ctx) })
			}
			return nil
		})
	},
}

func init() {
	forwardCmd.Flags().StringVar(&forwardListen, "listen", "127.0.0.1:0", "local address for the destination given as arguments")
	rootCmd.AddCommand(forwardCmd)
}

// forwardsFrom merges the positional destination with the configured forwards.
func forwardsFrom(c *Config, args []string, listen string) ([]ForwardConfig, error) {
	forwards := append([]ForwardConfig(nil), c.Forwards...)
	if len(args) == 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", args[1], err)
		}
		d, err := relay.ParseDestination(args[0], port, c.defaults())
		if err != nil {
			return nil, err
		}
		forwards = append(forwards, ForwardConfig{
			Instance: d.Instance,
			Zone:     d.Zone,
			Project:  d.Project,
			Port:     d.Port,
			Listen:   listen,
		})
	}
	if len(forwards) == 0 {
		return nil, errors.New("nothing to forward: pass INSTANCE PORT or list forwards in --config")
	}
	return forwards, nil
}

func (a *app) listenForward(f ForwardConfig) (*listener.TCPListener, error) {
	dest, err := f.destination(&a.cfg)
	if err != nil {
		return nil, err
	}
	l, err := listener.ListenTCP(listener.TCPConfig{
		Addr:          f.Listen,
		Destination:   dest,
		Connector:     a.connector,
		Policy:        a.policy,
		PolicyTimeout: a.cfg.PolicyTimeout,
		Registry:      a.registry,
		DrainTimeout:  a.cfg.DrainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("listen for %s: %w", dest, err)
	}
	obs.Info("forward.listening", obs.Fields{"addr": l.Addr().String(), "destination": dest.String()})
	return l, nil
}
