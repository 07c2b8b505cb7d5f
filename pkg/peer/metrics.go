package peer

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// peerMetrics holds the counters shared by every Peer and the Manager that
// registers them, in the same struct-of-metrics.Counter style as
// pkg/api/api0/metrics.go.
type peerMetrics struct {
	set *metrics.Set

	handshakeSucceededTotal *metrics.Counter
	handshakeFailedTotal    *metrics.Counter
	registeredTotal         *metrics.Counter
	evictedTotal            *metrics.Counter
	expiredTotal            *metrics.Counter
	peersReady              *metrics.Counter
}

// NewMetrics creates a fresh, independent metrics set for a [Manager].
func NewMetrics() *peerMetrics {
	m := &peerMetrics{set: metrics.NewSet()}
	m.handshakeSucceededTotal = m.set.NewCounter(`snitun_peer_handshake_succeeded_total`)
	m.handshakeFailedTotal = m.set.NewCounter(`snitun_peer_handshake_failed_total`)
	m.registeredTotal = m.set.NewCounter(`snitun_peer_registered_total`)
	m.evictedTotal = m.set.NewCounter(`snitun_peer_evicted_total`)
	m.expiredTotal = m.set.NewCounter(`snitun_peer_expired_total`)
	m.peersReady = m.set.NewCounter(`snitun_peer_ready_current`)
	return m
}

// WritePrometheus writes these metrics in text exposition format to w.
func (m *peerMetrics) WritePrometheus(w io.Writer) { m.set.WritePrometheus(w) }
