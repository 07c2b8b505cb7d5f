package gateway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/pg9182/snitun/pkg/multiplexer"
	"github.com/pg9182/snitun/pkg/peer"
)

// SNIProxy is the public-facing front door: it accepts inbound TCP
// connections that look like a TLS ClientHello, extracts the SNI hostname
// without completing a TLS handshake, and forwards the raw byte stream to
// the matching peer's multiplexer over a new channel.
//
// Same accept-loop/mu-guarded-listener shape as [PeerListener].
type SNIProxy struct {
	Manager *peer.Manager
	Logger  zerolog.Logger

	// ClientHelloTimeout bounds how long the initial ClientHello may take
	// to arrive.
	ClientHelloTimeout time.Duration

	// MaxHandshakes caps the number of concurrently open client
	// connections, via golang.org/x/net/netutil.LimitListener, preventing an
	// unbounded goroutine fan-out from slow or stalled senders. A connection
	// holds its slot from accept until it is closed, through the ClientHello
	// sniff and the whole relay. Zero or a negative value disables the cap.
	MaxHandshakes int

	metrics *gatewayMetrics

	mu      sync.Mutex
	ln      net.Listener
	closing bool
}

// NewSNIProxy builds an SNIProxy with its own metrics set.
func NewSNIProxy(mgr *peer.Manager, logger zerolog.Logger) *SNIProxy {
	return &SNIProxy{Manager: mgr, Logger: logger.With().Str("component", "sni_proxy").Logger(), metrics: newGatewayMetrics()}
}

// Metrics returns the proxy's metrics set, for aggregation into a process
// /metrics endpoint.
func (s *SNIProxy) Metrics() *gatewayMetrics {
	if s.metrics == nil {
		s.metrics = newGatewayMetrics()
	}
	return s.metrics
}

// ListenAndServe binds addr and calls Serve.
func (s *SNIProxy) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: sni proxy: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called or ln errors.
func (s *SNIProxy) Serve(ln net.Listener) error {
	if s.MaxHandshakes > 0 {
		ln = netutil.LimitListener(ln, s.MaxHandshakes)
	}

	s.mu.Lock()
	s.ln = ln
	s.closing = false
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return ErrListenerClosed
			}
			return fmt.Errorf("gateway: sni proxy: accept: %w", err)
		}
		go s.handle(conn)
	}
}

// Close stops Serve and closes the listening socket.
func (s *SNIProxy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *SNIProxy) handle(conn net.Conn) {
	defer conn.Close()
	m := s.Metrics()
	m.connectionsAcceptedTotal.Inc()

	logger := s.Logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	if s.ClientHelloTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ClientHelloTimeout))
	}

	hello, err := ReadClientHello(conn)
	if err != nil {
		m.clientHelloFailedTotal.Inc()
		logger.Debug().Err(err).Msg("gateway: failed to read ClientHello")
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger = logger.With().Str("server_name", hello.ServerName).Logger()

	if hello.ServerName == "" {
		m.noSNITotal.Inc()
		logger.Debug().Msg("gateway: ClientHello has no SNI, dropping")
		return
	}

	p, err := s.Manager.Lookup(hello.ServerName)
	if err != nil || !p.IsConnected() {
		m.noPeerTotal.Inc()
		logger.Debug().Err(err).Msg("gateway: no connected peer for hostname")
		return
	}

	mux := p.Multiplexer()
	ch, err := mux.CreateChannel()
	if err != nil {
		logger.Debug().Err(err).Msg("gateway: failed to open channel to peer")
		return
	}
	defer mux.DeleteChannel(ch)

	if err := ch.Write(hello.Raw); err != nil {
		logger.Debug().Err(err).Msg("gateway: failed to forward ClientHello to peer")
		return
	}

	m.relayedConnectionsTotal.Inc()
	relay(logger, conn, ch)
}

// relay copies bytes bidirectionally between the raw client connection and
// the peer channel until either side closes or errors.
func relay(logger zerolog.Logger, conn net.Conn, ch *multiplexer.Channel) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := ch.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			data, err := ch.Read()
			if err != nil {
				return
			}
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
	}()

	<-done
	conn.Close()
	<-done
}
