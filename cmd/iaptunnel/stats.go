package main

import (
	"time"

	"github.com/matst80/iaptunnel/internal/listener"
	"github.com/matst80/iaptunnel/internal/registry"
)

// Stats is the state served by the API and the dashboard.
type Stats struct {
	Registry   registry.Stats       `json:"registry"`
	Tunnels    []registry.Snapshot  `json:"tunnels"`
	Forwarders []listener.Forwarder `json:"forwarders,omitempty"`
	Now        string               `json:"now"`
}

// ClusterTunnels is the cluster-wide tunnel list served from the mirror.
type ClusterTunnels struct {
	Instance string                    `json:"instance"`
	Tunnels  []registry.MirroredTunnel `json:"tunnels"`
}

func collectStats(a *app) Stats {
	return Stats{
		Registry:   a.registry.Stats(),
		Tunnels:    a.registry.Snapshots(),
		Forwarders: a.forwarders(),
		Now:        time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns the keys the dashboard template expects.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Stats":      s.Registry,
		"Tunnels":    s.Tunnels,
		"Forwarders": s.Forwarders,
	}
}
