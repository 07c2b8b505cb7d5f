package peer

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/rs/zerolog"
)

func readyPeer(t *testing.T, hostname, alias string) (*Peer, net.Conn) {
	t.Helper()
	var aliases []string
	if alias != "" {
		aliases = []string{alias}
	}
	return readyPeerAliases(t, hostname, aliases)
}

func readyPeerAliases(t *testing.T, hostname string, aliases []string) (*Peer, net.Conn) {
	t.Helper()
	tok := testToken(t)
	tok.Hostname = hostname
	tok.Alias = aliases

	p := New(tok, 1, zerolog.Nop(), NewMetrics())

	serverConn, clientConn := net.Pipe()
	go clientHandshake(t, clientConn, tok.AESKey, tok.AESIV)

	if err := p.InitMultiplexerChallenge(serverConn, nil); err != nil {
		t.Fatalf("InitMultiplexerChallenge: %v", err)
	}
	return p, clientConn
}

func TestManagerRegisterAndLookup(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p, conn := readyPeer(t, "a.snitun.test", "a-alias")
	defer conn.Close()

	if err := m.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got, ok := m.Peer("a.snitun.test"); !ok || got != p {
		t.Fatal("Peer: lookup by hostname failed")
	}
	if got, ok := m.Peer("a-alias"); !ok || got != p {
		t.Fatal("Peer: lookup by alias failed")
	}
	if !m.PeerAvailable("a.snitun.test") {
		t.Fatal("PeerAvailable: expected true for registered, connected peer")
	}
}

func TestManagerLookupIsCaseInsensitive(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p, conn := readyPeer(t, "Case.Snitun.Test", "Alias.Snitun.Test")
	defer conn.Close()

	if err := m.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got, ok := m.Peer("case.snitun.test"); !ok || got != p {
		t.Fatal("Peer: lowercase lookup of mixed-case hostname failed")
	}
	if got, ok := m.Peer("CASE.SNITUN.TEST"); !ok || got != p {
		t.Fatal("Peer: uppercase lookup of mixed-case hostname failed")
	}
	if got, ok := m.Peer("alias.snitun.test"); !ok || got != p {
		t.Fatal("Peer: lowercase lookup of mixed-case alias failed")
	}
}

func TestManagerRegisterMultipleAliases(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p, conn := readyPeerAliases(t, "multi.snitun.test", []string{"one.snitun.test", "two.snitun.test"})
	defer conn.Close()

	if err := m.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, name := range []string{"multi.snitun.test", "one.snitun.test", "two.snitun.test"} {
		if got, ok := m.Peer(name); !ok || got != p {
			t.Fatalf("Peer(%q): lookup failed", name)
		}
	}

	m.Remove(p)
	for _, name := range []string{"multi.snitun.test", "one.snitun.test", "two.snitun.test"} {
		if _, ok := m.Peer(name); ok {
			t.Fatalf("Peer(%q): still registered after Remove", name)
		}
	}
}

func TestManagerRejectsAliasCollidingWithHostname(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p1, conn1 := readyPeer(t, "taken.snitun.test", "")
	defer conn1.Close()
	if err := m.Register(p1); err != nil {
		t.Fatalf("Register p1: %v", err)
	}

	p2, conn2 := readyPeer(t, "other.snitun.test", "taken.snitun.test")
	defer conn2.Close()
	if err := m.Register(p2); !errors.Is(err, ErrDuplicateHostname) {
		t.Fatalf("Register p2: got %v, want ErrDuplicateHostname", err)
	}

	// p1 must remain the hostname's occupant: the collision is rejected,
	// not resolved by eviction.
	if got, ok := m.Peer("taken.snitun.test"); !ok || got != p1 {
		t.Fatal("expected p1 to remain registered after the rejected collision")
	}
}

func TestManagerRejectsHostnameCollidingWithAlias(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p1, conn1 := readyPeer(t, "owner.snitun.test", "shared.snitun.test")
	defer conn1.Close()
	if err := m.Register(p1); err != nil {
		t.Fatalf("Register p1: %v", err)
	}

	p2, conn2 := readyPeer(t, "shared.snitun.test", "")
	defer conn2.Close()
	if err := m.Register(p2); !errors.Is(err, ErrDuplicateHostname) {
		t.Fatalf("Register p2: got %v, want ErrDuplicateHostname", err)
	}
}

func TestManagerEvictsDuplicateHostname(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p1, conn1 := readyPeer(t, "dup.snitun.test", "")
	defer conn1.Close()
	if err := m.Register(p1); err != nil {
		t.Fatalf("Register p1: %v", err)
	}

	p2, conn2 := readyPeer(t, "dup.snitun.test", "")
	defer conn2.Close()
	if err := m.Register(p2); err != nil {
		t.Fatalf("Register p2: %v", err)
	}

	got, ok := m.Peer("dup.snitun.test")
	if !ok || got != p2 {
		t.Fatal("expected the second registration to occupy the hostname slot")
	}

	select {
	case <-p1.multiplexer.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted peer's multiplexer was not shut down")
	}
}

func TestManagerRemovesOnDisconnect(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	p, conn := readyPeer(t, "gone.snitun.test", "")
	if err := m.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p.Multiplexer().Shutdown()
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Peer("gone.snitun.test"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("peer was not automatically removed after disconnect")
}

func TestManagerPeerAvailableUnknownHostname(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	if m.PeerAvailable("nope.snitun.test") {
		t.Fatal("PeerAvailable: expected false for unknown hostname")
	}
}

func TestManagerVerifyTokenEnforcesMinClientVersion(t *testing.T) {
	k := testFernetKey(t)
	m := NewManager(NewTokenVerifier([]*fernet.Key{k}), zerolog.Nop())
	m.MinClientVersion = "v1.2.0"

	below := sealToken(t, k, Token{
		Hostname:      "below.snitun.test",
		AESKey:        bytes.Repeat([]byte{1}, 32),
		AESIV:         bytes.Repeat([]byte{2}, 16),
		ClientVersion: "v1.1.0",
	})
	if _, err := m.VerifyToken(below, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("VerifyToken(below floor): got %v, want ErrInvalidToken", err)
	}

	atFloor := sealToken(t, k, Token{
		Hostname:      "at.snitun.test",
		AESKey:        bytes.Repeat([]byte{1}, 32),
		AESIV:         bytes.Repeat([]byte{2}, 16),
		ClientVersion: "v1.2.0",
	})
	if _, err := m.VerifyToken(atFloor, time.Now()); err != nil {
		t.Fatalf("VerifyToken(at floor): %v", err)
	}

	above := sealToken(t, k, Token{
		Hostname:      "above.snitun.test",
		AESKey:        bytes.Repeat([]byte{1}, 32),
		AESIV:         bytes.Repeat([]byte{2}, 16),
		ClientVersion: "v2.0.0",
	})
	if _, err := m.VerifyToken(above, time.Now()); err != nil {
		t.Fatalf("VerifyToken(above floor): %v", err)
	}

	noVersion := sealToken(t, k, Token{
		Hostname: "no-version.snitun.test",
		AESKey:   bytes.Repeat([]byte{1}, 32),
		AESIV:    bytes.Repeat([]byte{2}, 16),
	})
	if _, err := m.VerifyToken(noVersion, time.Now()); err != nil {
		t.Fatalf("VerifyToken(no client version): %v", err)
	}
}
