package relay

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// routerMetrics holds the relay's Prometheus-style counters, grouped by
// outcome the way pkg/nspkt's Listener and pkg/api/api0's apiMetrics nest
// counters under the event they count.
type routerMetrics struct {
	set *metrics.Set

	admissions_total struct {
		admitted    *metrics.Counter
		rejected    *metrics.Counter
		bad_packet  *metrics.Counter
		no_sockets  *metrics.Counter
		decrypt_err *metrics.Counter
	}
	connections_total struct {
		authenticated   *metrics.Counter
		unauthenticated *metrics.Counter
		spoof_denied    *metrics.Counter
		auth_failed     *metrics.Counter
	}
	cleanup_total struct {
		reclaimed *metrics.Counter
	}
	relay_rx_bytes_total *metrics.Counter
	relay_tx_bytes_total *metrics.Counter
}

// newRouterMetrics registers the relay's counters against a fresh metrics
// set, the way pkg/atlas/server.go gives each subsystem its own set rather
// than using the global default registry.
func newRouterMetrics() *routerMetrics {
	m := &routerMetrics{set: metrics.NewSet()}

	m.admissions_total.admitted = m.set.NewCounter(`titanfront_admissions_total{outcome="admitted"}`)
	m.admissions_total.rejected = m.set.NewCounter(`titanfront_admissions_total{outcome="rejected"}`)
	m.admissions_total.bad_packet = m.set.NewCounter(`titanfront_admissions_total{outcome="bad_packet"}`)
	m.admissions_total.no_sockets = m.set.NewCounter(`titanfront_admissions_total{outcome="no_sockets"}`)
	m.admissions_total.decrypt_err = m.set.NewCounter(`titanfront_admissions_total{outcome="decrypt_error"}`)

	m.connections_total.authenticated = m.set.NewCounter(`titanfront_connections_total{outcome="authenticated"}`)
	m.connections_total.unauthenticated = m.set.NewCounter(`titanfront_connections_total{outcome="unauthenticated"}`)
	m.connections_total.spoof_denied = m.set.NewCounter(`titanfront_connections_total{outcome="spoof_denied"}`)
	m.connections_total.auth_failed = m.set.NewCounter(`titanfront_connections_total{outcome="auth_failed"}`)

	m.cleanup_total.reclaimed = m.set.NewCounter(`titanfront_cleanup_total{outcome="reclaimed"}`)

	m.relay_rx_bytes_total = m.set.NewCounter("titanfront_relay_rx_bytes_total")
	m.relay_tx_bytes_total = m.set.NewCounter("titanfront_relay_tx_bytes_total")

	return m
}

// registerGauges adds player/socket-count gauges backed by r. Kept separate
// from newRouterMetrics since VictoriaMetrics gauges are callback-driven and
// r doesn't exist yet at that point.
func (m *routerMetrics) registerGauges(r *Router) {
	m.set.NewGauge("titanfront_players_current", func() float64 {
		return float64(r.PlayerCount())
	})
	m.set.NewGauge("titanfront_available_sockets", func() float64 {
		return float64(r.AvailableSockets())
	})
}

// WritePrometheus writes the relay's metrics in Prometheus text format.
func (m *routerMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
