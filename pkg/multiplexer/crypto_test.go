package multiplexer

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKeyIV(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand iv: %v", err)
	}
	return key, iv
}

// TestCryptoTransportCrossPeer verifies the handshake's crossed-stream
// model: a message encrypted by one peer's Encrypt stream decrypts
// correctly under the other peer's Decrypt stream, given both were built
// from the same key and iv and process bytes in the same order.
func TestCryptoTransportCrossPeer(t *testing.T) {
	key, iv := testKeyIV(t)

	a, err := NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}
	b, err := NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext := a.Encrypt(plaintext)
	got := b.Decrypt(ciphertext)

	if !bytes.Equal(got, plaintext) {
		t.Fatalf("cross-peer round trip: got %q, want %q", got, plaintext)
	}
}

func TestCryptoTransportStreamAdvances(t *testing.T) {
	key, iv := testKeyIV(t)
	ct, err := NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}

	plaintext := bytes.Repeat([]byte{0x42}, 64)
	first := ct.Encrypt(plaintext)
	second := ct.Encrypt(plaintext)

	if bytes.Equal(first, second) {
		t.Fatal("encrypting the same plaintext twice produced identical ciphertext; counter did not advance")
	}
}

func TestCryptoTransportRejectsBadSizes(t *testing.T) {
	_, iv := testKeyIV(t)
	if _, err := NewCryptoTransport(make([]byte, KeySize-1), iv); err == nil {
		t.Fatal("expected error for short key")
	}

	key, _ := testKeyIV(t)
	if _, err := NewCryptoTransport(key, make([]byte, IVSize+1)); err == nil {
		t.Fatal("expected error for bad iv length")
	}
}
