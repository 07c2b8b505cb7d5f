package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/snitun/pkg/multiplexer"
)

// State is a Peer's position in its handshake/connection lifecycle.
type State int

const (
	// StatePending is the state of a freshly constructed Peer: it has a
	// verified token but has not started the challenge handshake.
	StatePending State = iota
	// StateAuthenticating is set for the duration of the challenge
	// handshake.
	StateAuthenticating
	// StateReady means the handshake succeeded and the peer's Multiplexer
	// is running.
	StateReady
	// StateDisconnected means the peer's Multiplexer has shut down (or the
	// handshake failed).
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// challengeSize is the number of random bytes sent by the server during the
// handshake (spec §6: "32 random bytes").
const challengeSize = 32

// ProtocolVersion is this build's multiplexer wire protocol version,
// threaded through Peer/Multiplexer the same way the original Python
// snitun's snitun.PROTOCOL_VERSION is passed to every Peer/Multiplexer
// constructed in _examples/original_source/tests/conftest.py. Currently a
// pass-through label (framing is version-independent); reserved for a
// future protocol bump.
const ProtocolVersion = 1

// Peer represents one registered tunnel client: its bootstrap token fields,
// its handshake/connection state, and (once Ready) its [multiplexer.Multiplexer].
type Peer struct {
	Hostname        string
	Alias           []string
	Valid           time.Time
	ProtocolVersion int
	Throttling      float64 // bytes/sec; 0 disables

	aesKey []byte
	aesIV  []byte

	logger  zerolog.Logger
	metrics *peerMetrics

	mu             sync.Mutex
	state          State
	multiplexer    *multiplexer.Multiplexer
	disconnect     chan struct{}
	disconnectOnce sync.Once
}

// New constructs a Peer from a verified [Token]. It does not perform any
// I/O; call [Peer.InitMultiplexerChallenge] to run the handshake.
func New(tok *Token, protocolVersion int, logger zerolog.Logger, m *peerMetrics) *Peer {
	return &Peer{
		Hostname:        tok.Hostname,
		Alias:           tok.Alias,
		Valid:           tok.Valid,
		ProtocolVersion: protocolVersion,
		Throttling:      tok.Throttling,
		aesKey:          tok.AESKey,
		aesIV:           tok.AESIV,
		logger:          logger.With().Str("hostname", tok.Hostname).Logger(),
		metrics:         m,
		state:           StatePending,
		disconnect:      make(chan struct{}),
	}
}

// IsValid reports whether the peer's token validity window has not expired
// as of now. A zero Valid time means no expiration was set.
func (p *Peer) IsValid(now time.Time) bool {
	return p.Valid.IsZero() || now.Before(p.Valid)
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsReady reports whether the handshake has completed and the peer's
// multiplexer is running.
func (p *Peer) IsReady() bool { return p.State() == StateReady }

// IsConnected reports whether the peer's multiplexer is running and still
// connected (IsReady and the multiplexer itself hasn't since disconnected).
func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	m := p.multiplexer
	state := p.state
	p.mu.Unlock()
	return state == StateReady && m != nil && m.IsConnected()
}

// Multiplexer returns the peer's multiplexer, or nil if the handshake has
// not completed.
func (p *Peer) Multiplexer() *multiplexer.Multiplexer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multiplexer
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// WaitDisconnect returns a channel that is closed once the peer's
// multiplexer disconnects. It returns [ErrNotConnected] if called before the
// handshake has reached StateReady.
func (p *Peer) WaitDisconnect() (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady && p.state != StateDisconnected {
		return nil, ErrNotConnected
	}
	return p.disconnect, nil
}

func (p *Peer) markDisconnected() {
	p.setState(StateDisconnected)
	p.disconnectOnce.Do(func() { close(p.disconnect) })
}

// InitMultiplexerChallenge runs the server side of the peer handshake over
// conn: it sends [challengeSize] encrypted random bytes, expects back the
// encryption of their SHA-256 hash, and on success starts the peer's
// Multiplexer. onNewChannel is passed through to [multiplexer.New].
//
// The wire sequence (spec §6, grounded on
// _examples/original_source/tests/server/test_listener_peer.py) runs before
// any multiplexer framing exists: plain encrypted bytes over the raw
// connection, using the same AES-CTR transport the multiplexer will reuse
// afterwards.
func (p *Peer) InitMultiplexerChallenge(conn io.ReadWriteCloser, onNewChannel multiplexer.NewChannelFunc) error {
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return fmt.Errorf("peer: InitMultiplexerChallenge: invalid state %s", p.state)
	}
	p.state = StateAuthenticating
	p.mu.Unlock()

	crypto, err := multiplexer.NewCryptoTransport(p.aesKey, p.aesIV)
	if err != nil {
		p.markDisconnected()
		return fmt.Errorf("peer: init crypto transport: %w", err)
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		p.markDisconnected()
		return fmt.Errorf("peer: generate challenge: %w", err)
	}

	if _, err := conn.Write(crypto.Encrypt(challenge)); err != nil {
		p.markDisconnected()
		return fmt.Errorf("peer: send challenge: %w", err)
	}

	encReply := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, encReply); err != nil {
		p.markDisconnected()
		return fmt.Errorf("peer: read challenge reply: %w", err)
	}
	reply := crypto.Decrypt(encReply)

	want := sha256.Sum256(challenge)
	if subtle.ConstantTimeCompare(reply, want[:]) != 1 {
		p.markDisconnected()
		if p.metrics != nil {
			p.metrics.handshakeFailedTotal.Inc()
		}
		return &ChallengeError{Reason: "challenge hash mismatch"}
	}

	var opts []multiplexer.Option
	opts = append(opts, multiplexer.WithLogger(p.logger))
	if p.Throttling > 0 {
		opts = append(opts, multiplexer.WithThrottle(1/p.Throttling))
	}

	mux := multiplexer.New(crypto, conn, p.ProtocolVersion, onNewChannel, opts...)

	p.mu.Lock()
	p.multiplexer = mux
	p.state = StateReady
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.handshakeSucceededTotal.Inc()
	}

	go func() {
		<-mux.Wait()
		p.markDisconnected()
	}()

	return nil
}
