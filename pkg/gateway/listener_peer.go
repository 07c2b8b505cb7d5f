package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/snitun/pkg/peer"
)

// maxTokenSize bounds the length-prefixed bootstrap token a connecting peer
// may send.
const maxTokenSize = 16 << 10

// ErrListenerClosed is returned by [PeerListener.Serve]/[SNIProxy.Serve] once
// the listener has been deliberately closed.
var ErrListenerClosed = errors.New("gateway: listener closed")

// PeerListener accepts peer connections, verifies their bootstrap token, and
// runs the challenge handshake, registering successful peers with a
// [peer.Manager]. Same mu-guarded-listener/closing fields and
// ListenAndServe/Serve/Close shape as [SNIProxy].
type PeerListener struct {
	Manager *peer.Manager
	Logger  zerolog.Logger

	// HandshakeTimeout bounds how long the token read and challenge
	// handshake may take, combined.
	HandshakeTimeout time.Duration

	// ProtocolVersion is advertised to every Peer created from an accepted
	// connection.
	ProtocolVersion int

	// GeoIP, if set, records the source address of every peer that
	// completes the handshake, for the peers-by-region metrics.
	GeoIP *peer.GeoIP

	mu      sync.Mutex
	ln      net.Listener
	closing bool
}

// ListenAndServe binds addr and calls Serve.
func (l *PeerListener) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: peer listener: listen: %w", err)
	}
	return l.Serve(ln)
}

// Serve accepts connections on ln until Close is called or ln errors.
func (l *PeerListener) Serve(ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.closing = false
	l.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return ErrListenerClosed
			}
			return fmt.Errorf("gateway: peer listener: accept: %w", err)
		}
		go l.handle(conn)
	}
}

// Close stops Serve and closes the listening socket.
func (l *PeerListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *PeerListener) handle(conn net.Conn) {
	logger := l.Logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	if l.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(l.HandshakeTimeout))
	}

	tok, err := readToken(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("gateway: failed to read peer token")
		conn.Close()
		return
	}

	decoded, err := l.Manager.VerifyToken(tok, time.Now())
	if err != nil {
		logger.Debug().Err(err).Msg("gateway: peer token verification failed")
		conn.Close()
		return
	}

	p := l.Manager.NewPeer(decoded, l.ProtocolVersion)

	if err := p.InitMultiplexerChallenge(conn, nil); err != nil {
		logger.Debug().Err(err).Msg("gateway: peer handshake failed")
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	if err := l.Manager.Register(p); err != nil {
		logger.Warn().Err(err).Msg("gateway: failed to register peer")
		p.Multiplexer().Shutdown()
		return
	}

	if l.GeoIP != nil {
		if addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
			l.GeoIP.Observe(addrPort.Addr())
		}
	}

	logger.Info().Str("hostname", p.Hostname).Msg("gateway: peer connected")
}

// readToken reads a 2-byte big-endian length-prefixed bootstrap token.
func readToken(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read token length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || int(n) > maxTokenSize {
		return nil, fmt.Errorf("invalid token length %d", n)
	}
	tok := make([]byte, n)
	if _, err := io.ReadFull(r, tok); err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return tok, nil
}
