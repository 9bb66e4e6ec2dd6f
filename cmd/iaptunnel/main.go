// Command iaptunnel forwards local TCP ports and SOCKS5 connections to
// instance ports through the IAP relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/iaptunnel/internal/obs"
)

var (
	configPath string
	cfg        Config
)

var rootCmd = &cobra.Command{
	Use:          "iaptunnel",
	Short:        "Tunnel local TCP and SOCKS5 connections to instances through the IAP relay",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd.Flags(), &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		obs.SetOutput(os.Stderr, obs.ParseFormat(cfg.LogFormat))
		obs.EnableDebug(cfg.Debug)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML configuration file")
	pf.StringVar(&flagCfg.Project, "project", "", "default project of destinations")
	pf.StringVar(&flagCfg.Zone, "zone", "", "default zone of destinations")
	pf.StringVar(&flagCfg.Interface, "interface", flagCfg.Interface, "instance network interface")
	pf.StringVar(&flagCfg.UserAgent, "user-agent", flagCfg.UserAgent, "user agent sent to the relay")
	pf.StringVar(&flagCfg.RelayURL, "relay-url", "", "override relay scheme and host (e.g. ws://127.0.0.1:8080)")
	pf.StringVar(&flagCfg.ClientCert, "client-cert", "", "client certificate file for mTLS")
	pf.StringVar(&flagCfg.ClientKey, "client-key", "", "client key file for mTLS")
	pf.StringVar(&flagCfg.MetricsAddr, "metrics", flagCfg.MetricsAddr, "metrics, API and dashboard listen address (empty disables)")
	pf.BoolVar(&flagCfg.Debug, "debug", false, "enable debug logs")
	pf.StringVar(&flagCfg.LogFormat, "log-format", flagCfg.LogFormat, "log format: json or text")
	pf.DurationVar(&flagCfg.DrainTimeout, "drain-timeout", flagCfg.DrainTimeout, "time open tunnels get to finish on shutdown")
	pf.DurationVar(&flagCfg.HandshakeTimeout, "handshake-timeout", flagCfg.HandshakeTimeout, "relay connect and reconnect timeout")
	pf.DurationVar(&flagCfg.PolicyTimeout, "policy-timeout", flagCfg.PolicyTimeout, "bound on a single admission decision")
	pf.BoolVar(&flagCfg.Policy.AllowAll, "allow-all", false, "admit connections from any peer")
	pf.StringSliceVar(&flagCfg.Policy.AllowCIDRs, "allow-cidr", nil, "admit peers in these prefixes instead of loopback only")
	pf.IntVar(&flagCfg.Policy.Rate, "rate", 0, "global tunnel admissions per second (0 = unlimited)")
	pf.IntVar(&flagCfg.Policy.PerPeerRate, "per-peer-rate", 0, "tunnel admissions per second per peer IP (0 = unlimited)")
	pf.IntVar(&flagCfg.Policy.Burst, "burst", 0, "rate limit burst")
	pf.StringVar(&flagCfg.Redis.Addr, "redis-addr", "", "mirror open tunnels to this Redis server")
	pf.StringVar(&flagCfg.Redis.Password, "redis-password", "", "Redis password")
	pf.IntVar(&flagCfg.Redis.DB, "redis-db", 0, "Redis database")
	pf.DurationVar(&flagCfg.Redis.TTL, "redis-ttl", 0, "TTL of mirrored tunnel keys")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
