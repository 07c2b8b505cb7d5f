package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/snitun/pkg/multiplexer"
)

func testToken(t *testing.T) *Token {
	t.Helper()
	key := make([]byte, multiplexer.KeySize)
	iv := make([]byte, multiplexer.IVSize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand iv: %v", err)
	}
	return &Token{
		Hostname: "test.snitun.test",
		AESKey:   key,
		AESIV:    iv,
	}
}

// clientHandshake plays the client side of InitMultiplexerChallenge over
// conn, as the original snitun peer client would.
func clientHandshake(t *testing.T, conn net.Conn, key, iv []byte) {
	t.Helper()
	crypto, err := multiplexer.NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}

	encChallenge := make([]byte, sha256.Size)
	if _, err := readFull(conn, encChallenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	challenge := crypto.Decrypt(encChallenge)
	hash := sha256.Sum256(challenge)

	if _, err := conn.Write(crypto.Encrypt(hash[:])); err != nil {
		t.Fatalf("write challenge reply: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestPeerHandshakeSuccess(t *testing.T) {
	tok := testToken(t)
	p := New(tok, 1, zerolog.Nop(), nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go clientHandshake(t, clientConn, tok.AESKey, tok.AESIV)

	if err := p.InitMultiplexerChallenge(serverConn, nil); err != nil {
		t.Fatalf("InitMultiplexerChallenge: %v", err)
	}

	if !p.IsReady() {
		t.Fatal("peer not Ready after successful handshake")
	}
	if p.Multiplexer() == nil {
		t.Fatal("peer has no multiplexer after successful handshake")
	}

	if _, err := p.WaitDisconnect(); err != nil {
		t.Fatalf("WaitDisconnect: %v", err)
	}
}

func TestPeerWaitDisconnectBeforeReady(t *testing.T) {
	p := New(testToken(t), 1, zerolog.Nop(), nil)
	if _, err := p.WaitDisconnect(); err != ErrNotConnected {
		t.Fatalf("WaitDisconnect: got %v, want ErrNotConnected", err)
	}
}

func TestPeerHandshakeChallengeMismatch(t *testing.T) {
	tok := testToken(t)
	p := New(tok, 1, zerolog.Nop(), nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		// reply with garbage instead of the correct hash.
		buf := make([]byte, sha256.Size)
		readFull(clientConn, buf)
		clientConn.Write(make([]byte, sha256.Size))
	}()

	err := p.InitMultiplexerChallenge(serverConn, nil)
	var challengeErr *ChallengeError
	if err == nil {
		t.Fatal("InitMultiplexerChallenge: expected error for mismatched challenge")
	}
	if !asChallengeError(err, &challengeErr) {
		t.Fatalf("InitMultiplexerChallenge: got %v, want *ChallengeError", err)
	}
	if p.IsReady() {
		t.Fatal("peer Ready after failed handshake")
	}
}

func asChallengeError(err error, target **ChallengeError) bool {
	if ce, ok := err.(*ChallengeError); ok {
		*target = ce
		return true
	}
	return false
}

func TestPeerIsValid(t *testing.T) {
	now := time.Now()
	p := New(&Token{Hostname: "x", AESKey: make([]byte, 32), AESIV: make([]byte, 16), Valid: now.Add(time.Hour)}, 1, zerolog.Nop(), nil)
	if !p.IsValid(now) {
		t.Fatal("peer should be valid before its Valid deadline")
	}
	if p.IsValid(now.Add(2 * time.Hour)) {
		t.Fatal("peer should be invalid after its Valid deadline")
	}
}

func TestPeerThrottlingKeptThroughHandshake(t *testing.T) {
	tok := testToken(t)
	tok.Throttling = 500
	p := New(tok, 1, zerolog.Nop(), nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go clientHandshake(t, clientConn, tok.AESKey, tok.AESIV)

	if err := p.InitMultiplexerChallenge(serverConn, nil); err != nil {
		t.Fatalf("InitMultiplexerChallenge: %v", err)
	}
	// The token's bytes/sec rate is kept on the Peer; InitMultiplexerChallenge
	// turns it into 1/500 == 0.002 seconds/byte for the multiplexer, whose
	// throttle field is not visible from this package.
	if p.Throttling != 500 {
		t.Fatalf("Throttling = %v, want 500", p.Throttling)
	}
}
