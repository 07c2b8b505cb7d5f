package snitun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/pg9182/snitun/pkg/gateway"
	"github.com/pg9182/snitun/pkg/peer"
)

// Server wires the peer listener, SNI proxy, peer manager, GeoIP tracker,
// and metrics/sdnotify plumbing into a runnable process.
type Server struct {
	Logger zerolog.Logger

	AddrSNI     string
	AddrPeer    string
	AddrMetrics string

	MetricsSecret string
	NotifySocket  string

	Manager      *peer.Manager
	PeerListener *gateway.PeerListener
	SNIProxy     *gateway.SNIProxy
	GeoIP        *peer.GeoIP

	reload    []func()
	reloadLog func()
	closed    bool
}

// NewServer configures a new Server using c, which is assumed to be
// initialized to default or configured values (as done by
// [Config.UnmarshalEnv]).
func NewServer(c *Config) (*Server, error) {
	var s Server
	var err error

	s.Logger, s.reloadLog, err = configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	s.AddrSNI = c.AddrSNI
	s.AddrPeer = c.AddrPeer
	s.AddrMetrics = c.AddrMetrics
	s.MetricsSecret = c.MetricsSecret
	s.NotifySocket = c.NotifySocket

	verifier, reloadKeys, err := configureFernetKeys(c, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("configure fernet keys: %w", err)
	}
	if reloadKeys != nil {
		s.reload = append(s.reload, reloadKeys)
	}

	s.Manager = peer.NewManager(verifier, s.Logger)
	s.Manager.MinClientVersion = c.MinPeerProtocol

	s.GeoIP = peer.NewGeoIP()
	if c.IP2Location != "" {
		if err := s.GeoIP.Load(c.IP2Location); err != nil {
			return nil, fmt.Errorf("load geoip database: %w", err)
		}
		s.reload = append(s.reload, func() {
			if err := s.GeoIP.Load(""); err != nil {
				s.Logger.Err(err).Msg("failed to reload geoip database")
			}
		})
	}

	s.PeerListener = &gateway.PeerListener{
		Manager:          s.Manager,
		Logger:           s.Logger,
		HandshakeTimeout: c.HandshakeTimeout,
		ProtocolVersion:  peer.ProtocolVersion,
		GeoIP:            s.GeoIP,
	}
	s.SNIProxy = gateway.NewSNIProxy(s.Manager, s.Logger)
	s.SNIProxy.ClientHelloTimeout = c.ClientHelloTimeout
	s.SNIProxy.MaxHandshakes = c.MaxHandshakes

	return &s, nil
}

// Run starts the SNI proxy and peer listener, and the metrics server if
// configured, blocking until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return http.ErrServerClosed
	}

	lnSNI, err := net.Listen("tcp", s.AddrSNI)
	if err != nil {
		return fmt.Errorf("listen sni: %w", err)
	}
	lnPeer, err := net.Listen("tcp", s.AddrPeer)
	if err != nil {
		lnSNI.Close()
		return fmt.Errorf("listen peer: %w", err)
	}

	s.Logger.Log().Str("sni_addr", s.AddrSNI).Str("peer_addr", s.AddrPeer).Msg("starting server")

	errch := make(chan error, 3)
	go func() { errch <- s.SNIProxy.Serve(lnSNI) }()
	go func() { errch <- s.PeerListener.Serve(lnPeer) }()

	var metricsServer *http.Server
	if s.AddrMetrics != "" {
		metricsServer = &http.Server{
			Addr:    s.AddrMetrics,
			Handler: http.HandlerFunc(s.serveMetrics),
		}
		go func() { errch <- metricsServer.ListenAndServe() }()
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second * 2):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start server")
		return err
	}

	select {
	case <-ctx.Done():
		s.closed = true
		s.Logger.Log().Msg("shutting down")

		go s.sdnotify("STOPPING=1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { s.PeerListener.Close(); wg.Done() }()
		go func() { s.SNIProxy.Close(); wg.Done() }()
		if metricsServer != nil {
			wg.Add(1)
			go func() { metricsServer.Shutdown(ctx); wg.Done() }()
		}
		wg.Wait()
		return nil
	case err := <-errch:
		s.Logger.Err(err).Msg("server listener failed")
		return err
	}
}

// HandleSIGHUP reopens the log file, then reloads fernet keys and the geoip
// database, in that order, bracketed by RELOADING=1/READY=1 sd-notify
// messages.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	if s.reloadLog != nil {
		s.reloadLog()
	}
	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

// serveMetrics handles the /metrics endpoint, gating the process/peer/geo
// metric families behind an optional ?secret= query parameter.
func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	internal := s.MetricsSecret == "" || r.URL.Query().Get("secret") == s.MetricsSecret

	var ms []func(io.Writer)
	if internal {
		ms = append(ms, metrics.WriteProcessMetrics)
		ms = append(ms, s.Manager.Metrics().WritePrometheus)
		ms = append(ms, s.SNIProxy.Metrics().WritePrometheus)
		ms = append(ms, s.GeoIP.WritePrometheus)
	}

	var b bytes.Buffer
	for i, m := range ms {
		if i != 0 {
			b.WriteByte('\n')
		}
		m(&b)
	}

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

// sdnotify sends a readiness/status notification to the systemd notify
// socket, if configured, via a plain unixgram dial (no sd-daemon binding
// dependency needed for a single-line datagram).
func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{
		Name: s.NotifySocket,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
