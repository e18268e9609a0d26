package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpch_active_contexts",
			Help: "Current number of live connection contexts",
		},
	)

	virtualConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpch_virtual_connections",
			Help: "Current number of virtual connection registry entries",
		},
	)

	bytesReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpch_bytes_read_total",
			Help: "Total bytes read from tunnel sockets",
		},
	)

	bytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpch_bytes_written_total",
			Help: "Total bytes written to tunnel sockets",
		},
	)

	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpch_responses_total",
			Help: "Total HTTP responses emitted, by status code",
		},
		[]string{"status"},
	)

	recycleHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpch_recycle_handshakes_total",
			Help: "Total channel recycling handshakes started",
		},
		[]string{"channel"},
	)

	windowStallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpch_window_stalls_total",
			Help: "Times an out-channel writer idled on a depleted flow-control window",
		},
	)

	keepalivePingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpch_keepalive_pings_total",
			Help: "Keepalive pings sent on idle out-channels",
		},
	)
)
