package peer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// normalizeHostname lower-cases a hostname or alias for lookup/storage, so
// registration and SNI-based lookup agree regardless of case (spec.md:115:
// "Hostname lookup is case-insensitive").
func normalizeHostname(h string) string { return strings.ToLower(h) }

// Manager is the peer registry: it verifies bootstrap tokens, and maps
// hostnames and aliases to their ready [Peer], evicting the previous
// occupant of a hostname (or alias) when a new peer claims the same
// hostname (or alias), and automatically removing peers once their
// multiplexer disconnects. See [Manager.Register] for hostname/alias
// collisions, which are rejected.
//
// Grounded on api0's ServerList (pkg/api/api0/serverlist.go), which keeps
// the same entry under multiple lookup maps (by address, by id, by auth
// address) behind one sync.RWMutex; Manager does the same for
// hostname/alias.
type Manager struct {
	verifier *TokenVerifier
	logger   zerolog.Logger
	metrics  *peerMetrics

	// MinClientVersion, if set, is the minimum Token.ClientVersion (semver)
	// a bootstrap token must advertise to be accepted. Tokens with no
	// ClientVersion are always accepted (older clients predate the field).
	MinClientVersion string

	mu      sync.RWMutex
	byHost  map[string]*Peer
	byAlias map[string]*Peer
}

// NewManager builds a Manager backed by verifier.
func NewManager(verifier *TokenVerifier, logger zerolog.Logger) *Manager {
	return &Manager{
		verifier: verifier,
		logger:   logger.With().Str("component", "peer_manager").Logger(),
		metrics:  NewMetrics(),
		byHost:   make(map[string]*Peer),
		byAlias:  make(map[string]*Peer),
	}
}

// Metrics returns the manager's metrics set, for aggregation into a process
// /metrics endpoint.
func (m *Manager) Metrics() *peerMetrics { return m.metrics }

// VerifyToken verifies and decodes a Fernet-sealed bootstrap token, and
// rejects it if it advertises a ClientVersion below MinClientVersion.
func (m *Manager) VerifyToken(raw []byte, now time.Time) (*Token, error) {
	tok, err := m.verifier.Verify(raw, now)
	if err != nil {
		return nil, err
	}
	if m.MinClientVersion != "" && tok.ClientVersion != "" {
		if !semver.IsValid(tok.ClientVersion) || semver.Compare(tok.ClientVersion, m.MinClientVersion) < 0 {
			return nil, fmt.Errorf("%w: client version %q below minimum %q", ErrInvalidToken, tok.ClientVersion, m.MinClientVersion)
		}
	}
	return tok, nil
}

// NewPeer constructs a (not yet registered) Peer from a verified token.
func (m *Manager) NewPeer(tok *Token, protocolVersion int) *Peer {
	return New(tok, protocolVersion, m.logger, m.metrics)
}

// Register adds p to the hostname and alias lookup tables, evicting and
// disconnecting whatever peer previously occupied a same-kind slot (another
// peer's hostname, or another peer's alias). An alias is never allowed to
// collide with a different peer's hostname (and vice versa): that case is
// rejected with [ErrDuplicateHostname] instead of evicting, since the two
// namespaces mean different things to whoever owns the slot. Register also
// starts a goroutine that removes p automatically once its multiplexer
// disconnects. p must already be in [StateReady].
func (m *Manager) Register(p *Peer) error {
	disconnect, err := p.WaitDisconnect()
	if err != nil {
		return fmt.Errorf("peer: register: %w", err)
	}

	hostname := normalizeHostname(p.Hostname)
	aliases := make([]string, len(p.Alias))
	for i, a := range p.Alias {
		aliases[i] = normalizeHostname(a)
	}

	m.mu.Lock()

	if other, ok := m.byAlias[hostname]; ok && other != p {
		m.mu.Unlock()
		return fmt.Errorf("%w: hostname %q is registered as another peer's alias", ErrDuplicateHostname, p.Hostname)
	}
	for i, a := range aliases {
		if other, ok := m.byHost[a]; ok && other != p {
			m.mu.Unlock()
			return fmt.Errorf("%w: alias %q is registered as another peer's hostname", ErrDuplicateHostname, p.Alias[i])
		}
	}

	if old, ok := m.byHost[hostname]; ok && old != p {
		m.evictLocked(old)
	}
	for _, a := range aliases {
		if old, ok := m.byAlias[a]; ok && old != p {
			m.evictLocked(old)
		}
	}

	m.byHost[hostname] = p
	for _, a := range aliases {
		m.byAlias[a] = p
	}
	m.mu.Unlock()

	m.metrics.registeredTotal.Inc()
	m.metrics.peersReady.Inc()

	go func() {
		<-disconnect
		m.Remove(p)
	}()

	return nil
}

// evictLocked removes old from both maps and tears down its multiplexer.
// Callers must hold m.mu.
func (m *Manager) evictLocked(old *Peer) {
	delete(m.byHost, normalizeHostname(old.Hostname))
	for _, a := range old.Alias {
		delete(m.byAlias, normalizeHostname(a))
	}
	m.metrics.evictedTotal.Inc()
	if mux := old.Multiplexer(); mux != nil {
		mux.Shutdown()
	}
}

// Remove unregisters p if it is still the current occupant of its
// hostname/alias slots. It is safe to call multiple times.
func (m *Manager) Remove(p *Peer) {
	m.mu.Lock()
	removed := false
	hostname := normalizeHostname(p.Hostname)
	if cur, ok := m.byHost[hostname]; ok && cur == p {
		delete(m.byHost, hostname)
		removed = true
	}
	for _, a := range p.Alias {
		na := normalizeHostname(a)
		if cur, ok := m.byAlias[na]; ok && cur == p {
			delete(m.byAlias, na)
			removed = true
		}
	}
	m.mu.Unlock()

	if removed {
		m.metrics.peersReady.Dec()
	}
}

// Peer looks up a peer by hostname, falling back to alias. The lookup is
// case-insensitive.
func (m *Manager) Peer(hostname string) (*Peer, bool) {
	hostname = normalizeHostname(hostname)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.byHost[hostname]; ok {
		return p, true
	}
	if p, ok := m.byAlias[hostname]; ok {
		return p, true
	}
	return nil, false
}

// Lookup is [Manager.Peer], but reports a miss as [ErrUnknownHostname]
// instead of a bool, for callers that want to log or wrap the error.
func (m *Manager) Lookup(hostname string) (*Peer, error) {
	if p, ok := m.Peer(hostname); ok {
		return p, nil
	}
	return nil, ErrUnknownHostname
}

// PeerAvailable reports whether a ready, connected peer is registered for
// hostname.
func (m *Manager) PeerAvailable(hostname string) bool {
	p, ok := m.Peer(hostname)
	return ok && p.IsConnected()
}

// Len returns the number of distinct peers currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[*Peer]struct{}, len(m.byHost))
	for _, p := range m.byHost {
		seen[p] = struct{}{}
	}
	return len(seen)
}
