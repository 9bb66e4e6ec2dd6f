package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "iaptunnel_active_tunnels", Help: "Currently open tunnels"})
	TunnelsOpenedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "iaptunnel_tunnels_opened_total", Help: "Tunnels opened"})
	TunnelsDeniedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "iaptunnel_tunnels_denied_total", Help: "Local connections rejected by relay policy"})
	TunnelsFailedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "iaptunnel_tunnels_failed_total", Help: "Tunnels that failed to establish a relay session"})
	BytesTransmittedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "iaptunnel_bytes_transmitted_total", Help: "Bytes sent from local clients to the relay"})
	BytesReceivedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "iaptunnel_bytes_received_total", Help: "Bytes received from the relay"})
	ReconnectsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "iaptunnel_reconnects_total", Help: "Relay session reconnect attempts by outcome"}, []string{"outcome"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "iaptunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "iaptunnel_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
