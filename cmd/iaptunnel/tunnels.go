package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/matst80/iaptunnel/internal/registry"
)

var tunnelsCmd = &cobra.Command{
	Use:   "tunnels",
	Short: "Inspect the tunnels every instance mirrors to Redis",
}

var tunnelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print open tunnels of all instances, one JSON object per line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := clusterMirror()
		if err != nil {
			return err
		}
		defer m.Close()
		return listTunnels(cmd.Context(), cmd.OutOrStdout(), m)
	},
}

var tunnelsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream tunnel events published by all instances until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := clusterMirror()
		if err != nil {
			return err
		}
		defer m.Close()
		return watchTunnels(cmd.Context(), cmd.OutOrStdout(), m)
	},
}

func init() {
	tunnelsCmd.AddCommand(tunnelsListCmd, tunnelsWatchCmd)
	rootCmd.AddCommand(tunnelsCmd)
}

// clusterMirror connects to the configured Redis without serving any tunnels.
func clusterMirror() (*registry.RedisMirror, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("tunnels needs --redis-addr or redis.addr in --config")
	}
	return newMirror(registry.New(), cfg.Redis)
}

func listTunnels(ctx context.Context, w io.Writer, view clusterView) error {
	list, err := view.List(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, t := range list {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}

type eventWatcher interface {
	Watch(ctx context.Context) (<-chan registry.Event, error)
}

// watchTunnels prints events until ctx is done or the subscription ends.
func watchTunnels(ctx context.Context, w io.Writer, src eventWatcher) error {
	events, err := src.Watch(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
