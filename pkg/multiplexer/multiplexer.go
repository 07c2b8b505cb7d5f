package multiplexer

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// outboundQueueSize is the bounded capacity of a Multiplexer's outbound
// frame queue (spec: "capacity recommended: 8").
const outboundQueueSize = 8

// NewChannelFunc is invoked, on a detached goroutine, whenever the peer
// opens a new channel (an inbound NEW frame). It must not block the reader
// loop; the multiplexer never waits for it.
type NewChannelFunc func(m *Multiplexer, ch *Channel)

// Multiplexer frames, encrypts, and dispatches channel traffic for one peer
// connection. It owns exactly two goroutines (reader and writer loops) plus
// one short-lived goroutine per inbound NEW frame.
type Multiplexer struct {
	conn   io.ReadWriteCloser
	crypto *CryptoTransport

	ProtocolVersion int

	onNewChannel NewChannelFunc
	throttle     time.Duration // sleep per byte written, 0 disables

	logger  zerolog.Logger
	metrics *metricsSet

	outbound chan Message

	mu       sync.Mutex
	channels map[ChannelID]*Channel
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
	closeErr error
}

// Option configures optional Multiplexer behavior.
type Option func(*Multiplexer)

// WithThrottle sets a fixed per-byte delay applied by the writer loop after
// each frame, implementing a byte-rate cap. secondsPerByte of 0 disables
// throttling.
func WithThrottle(secondsPerByte float64) Option {
	return func(m *Multiplexer) {
		if secondsPerByte > 0 {
			m.throttle = time.Duration(secondsPerByte * float64(time.Second))
		}
	}
}

// WithLogger attaches a logger to the multiplexer.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// New creates a Multiplexer over conn using crypto for frame encryption, and
// starts its reader and writer loops. onNewChannel is called (on a detached
// goroutine) for every channel the peer opens.
func New(crypto *CryptoTransport, conn io.ReadWriteCloser, protocolVersion int, onNewChannel NewChannelFunc, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		conn:            conn,
		crypto:          crypto,
		ProtocolVersion: protocolVersion,
		onNewChannel:    onNewChannel,
		logger:          zerolog.Nop(),
		metrics:         newMetricsSet(),
		outbound:        make(chan Message, outboundQueueSize),
		channels:        make(map[ChannelID]*Channel),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.writerLoop()
	go m.readerLoop()

	return m
}

// WritePrometheus writes this multiplexer's metrics in text exposition
// format to w.
func (m *Multiplexer) WritePrometheus(w io.Writer) { m.metrics.WritePrometheus(w) }

// IsConnected reports whether the multiplexer is still running.
func (m *Multiplexer) IsConnected() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Wait returns a channel that is closed once the multiplexer has
// disconnected, for any reason (explicit Shutdown or transport failure).
func (m *Multiplexer) Wait() <-chan struct{} { return m.done }

// Err returns the error that caused the multiplexer to disconnect, if any.
// It is only meaningful after Wait's channel is closed.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// CreateChannel allocates a fresh channel, registers it, and enqueues a NEW
// frame announcing it to the peer.
func (m *Multiplexer) CreateChannel() (*Channel, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	id, err := NewChannelID()
	if err != nil {
		return nil, err
	}

	ch := newChannel(id, m.outbound, m.done)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		err := &ProtocolError{Reason: "channel id collision on create"}
		m.metrics.protocolErrorsTotal.Inc()
		m.shutdown(err)
		return nil, err
	}
	m.channels[id] = ch
	m.mu.Unlock()

	m.metrics.channelsOpenedTotal.Inc()

	select {
	case m.outbound <- ch.InitNew():
		return ch, nil
	case <-m.done:
		return nil, ErrNotConnected
	}
}

// DeleteChannel removes ch from the channel table and enqueues a CLOSE
// frame. After this call, ch.Read returns [ErrTransportClose] for any
// concurrent reader once the pending inbound queue drains.
func (m *Multiplexer) DeleteChannel(ch *Channel) error {
	m.mu.Lock()
	if _, ok := m.channels[ch.id]; ok {
		delete(m.channels, ch.id)
		m.metrics.channelsClosedTotal.Inc()
	}
	m.mu.Unlock()

	select {
	case m.outbound <- ch.InitClose():
	case <-m.done:
		return ErrNotConnected
	}
	ch.closeInbound()
	return nil
}

// Ping enqueues a PING frame. It returns once the frame has been handed to
// the writer loop's queue (not once it has reached the socket).
func (m *Multiplexer) Ping() error {
	select {
	case m.outbound <- PingMessage():
		return nil
	case <-m.done:
		return ErrNotConnected
	}
}

// Shutdown idempotently tears the multiplexer down: it cancels the reader
// and writer loops, CLOSE-notifies every remaining channel, and closes the
// underlying connection exactly once.
func (m *Multiplexer) Shutdown() {
	m.shutdown(nil)
}

func (m *Multiplexer) shutdown(cause error) {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.closeErr = cause
		chans := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			chans = append(chans, ch)
		}
		m.channels = make(map[ChannelID]*Channel)
		m.mu.Unlock()

		close(m.done)

		for _, ch := range chans {
			ch.closeInbound()
		}

		if err := m.conn.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debug().Err(err).Msg("multiplexer: close transport")
		}
	})
}

func (m *Multiplexer) writerLoop() {
	var buf []byte
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.outbound:
			buf = buf[:0]
			buf = Encode(buf, msg)

			ciphertext := m.crypto.Encrypt(buf)
			if _, err := m.conn.Write(ciphertext); err != nil {
				m.logger.Debug().Err(err).Msg("multiplexer: write failed")
				m.shutdown(&TransportError{Op: "write", Err: err})
				return
			}
			m.metrics.tx(msg.Flow)

			if m.throttle > 0 {
				if n := len(ciphertext); n > 0 {
					sleep := m.throttle * time.Duration(n)
					select {
					case <-time.After(sleep):
					case <-m.done:
						return
					}
					m.metrics.throttleSleepSeconds.Add(sleep.Seconds())
				}
			}
		}
	}
}

func (m *Multiplexer) readerLoop() {
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(m.conn, header); err != nil {
			m.shutdown(&TransportError{Op: "read header", Err: err})
			return
		}
		plainHeader := m.crypto.Decrypt(header)

		msg, n, err := DecodeHeader(plainHeader)
		if err != nil {
			m.metrics.protocolErrorsTotal.Inc()
			m.shutdown(&TransportError{Op: "decode header", Err: err})
			return
		}

		if n > 0 {
			raw := make([]byte, n)
			if _, err := io.ReadFull(m.conn, raw); err != nil {
				m.shutdown(&TransportError{Op: "read data", Err: err})
				return
			}
			msg.Data = m.crypto.Decrypt(raw)
		}

		m.metrics.rx(msg.Flow)
		m.dispatch(msg)
	}
}

func (m *Multiplexer) dispatch(msg Message) {
	switch msg.Flow {
	case FlowNew:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if _, exists := m.channels[msg.ID]; exists {
			m.mu.Unlock()
			m.metrics.protocolErrorsTotal.Inc()
			m.shutdown(&ProtocolError{Reason: "duplicate NEW for channel " + msg.ID.String()})
			return
		}
		ch := newChannel(msg.ID, m.outbound, m.done)
		m.channels[msg.ID] = ch
		m.mu.Unlock()

		m.metrics.channelsOpenedTotal.Inc()

		if m.onNewChannel != nil {
			go m.onNewChannel(m, ch)
		}

	case FlowData:
		m.mu.Lock()
		ch, ok := m.channels[msg.ID]
		m.mu.Unlock()
		if !ok {
			// races with a local CLOSE are expected; drop silently.
			return
		}
		if !ch.deliver(msg) {
			m.metrics.inboundDroppedTotal.Inc()
			m.logger.Warn().Stringer("channel", msg.ID).Msg("multiplexer: inbound queue full, dropping frame")
		}

	case FlowClose:
		m.mu.Lock()
		ch, ok := m.channels[msg.ID]
		if ok {
			delete(m.channels, msg.ID)
			m.metrics.channelsClosedTotal.Inc()
		}
		m.mu.Unlock()
		if ok {
			ch.deliver(msg)
		}

	case FlowPing:
		// acknowledged implicitly; no echo by design.
	}
}
