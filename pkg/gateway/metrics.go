package gateway

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// gatewayMetrics holds the counters shared by SNIProxy and PeerListener.
type gatewayMetrics struct {
	set *metrics.Set

	connectionsAcceptedTotal *metrics.Counter
	clientHelloFailedTotal   *metrics.Counter
	noSNITotal               *metrics.Counter
	noPeerTotal              *metrics.Counter
	relayedConnectionsTotal  *metrics.Counter
}

func newGatewayMetrics() *gatewayMetrics {
	m := &gatewayMetrics{set: metrics.NewSet()}
	m.connectionsAcceptedTotal = m.set.NewCounter(`snitun_gateway_connections_accepted_total`)
	m.clientHelloFailedTotal = m.set.NewCounter(`snitun_gateway_clienthello_failed_total`)
	m.noSNITotal = m.set.NewCounter(`snitun_gateway_no_sni_total`)
	m.noPeerTotal = m.set.NewCounter(`snitun_gateway_no_peer_total`)
	m.relayedConnectionsTotal = m.set.NewCounter(`snitun_gateway_relayed_connections_total`)
	return m
}

// WritePrometheus writes these metrics in text exposition format to w.
func (m *gatewayMetrics) WritePrometheus(w io.Writer) { m.set.WritePrometheus(w) }
