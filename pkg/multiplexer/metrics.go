package multiplexer

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// metricsSet holds the counters for one Multiplexer instance, in the same
// struct-of-metrics.Counter style as api0's request metrics.
type metricsSet struct {
	set *metrics.Set

	framesTxTotal struct {
		new, data, close, ping *metrics.Counter
	}
	framesRxTotal struct {
		new, data, close, ping *metrics.Counter
	}
	channelsOpenedTotal  *metrics.Counter
	channelsClosedTotal  *metrics.Counter
	inboundDroppedTotal  *metrics.Counter
	protocolErrorsTotal  *metrics.Counter
	throttleSleepSeconds *metrics.FloatCounter
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{set: metrics.NewSet()}
	m.framesTxTotal.new = m.set.NewCounter(`snitun_multiplexer_frames_tx_total{flow="new"}`)
	m.framesTxTotal.data = m.set.NewCounter(`snitun_multiplexer_frames_tx_total{flow="data"}`)
	m.framesTxTotal.close = m.set.NewCounter(`snitun_multiplexer_frames_tx_total{flow="close"}`)
	m.framesTxTotal.ping = m.set.NewCounter(`snitun_multiplexer_frames_tx_total{flow="ping"}`)
	m.framesRxTotal.new = m.set.NewCounter(`snitun_multiplexer_frames_rx_total{flow="new"}`)
	m.framesRxTotal.data = m.set.NewCounter(`snitun_multiplexer_frames_rx_total{flow="data"}`)
	m.framesRxTotal.close = m.set.NewCounter(`snitun_multiplexer_frames_rx_total{flow="close"}`)
	m.framesRxTotal.ping = m.set.NewCounter(`snitun_multiplexer_frames_rx_total{flow="ping"}`)
	m.channelsOpenedTotal = m.set.NewCounter(`snitun_multiplexer_channels_opened_total`)
	m.channelsClosedTotal = m.set.NewCounter(`snitun_multiplexer_channels_closed_total`)
	m.inboundDroppedTotal = m.set.NewCounter(`snitun_multiplexer_inbound_dropped_total`)
	m.protocolErrorsTotal = m.set.NewCounter(`snitun_multiplexer_protocol_errors_total`)
	m.throttleSleepSeconds = m.set.NewFloatCounter(`snitun_multiplexer_throttle_sleep_seconds_total`)
	return m
}

func (m *metricsSet) tx(f FlowType) {
	switch f {
	case FlowNew:
		m.framesTxTotal.new.Inc()
	case FlowData:
		m.framesTxTotal.data.Inc()
	case FlowClose:
		m.framesTxTotal.close.Inc()
	case FlowPing:
		m.framesTxTotal.ping.Inc()
	}
}

func (m *metricsSet) rx(f FlowType) {
	switch f {
	case FlowNew:
		m.framesRxTotal.new.Inc()
	case FlowData:
		m.framesRxTotal.data.Inc()
	case FlowClose:
		m.framesRxTotal.close.Inc()
	case FlowPing:
		m.framesRxTotal.ping.Inc()
	}
}

// WritePrometheus writes this multiplexer's metrics in text exposition
// format to w.
func (m *metricsSet) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
