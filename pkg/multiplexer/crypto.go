package multiplexer

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// KeySize and IVSize are the fixed AES-256-CTR key/iv sizes used for
// multiplexer frame encryption.
const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

// CryptoTransport encrypts and decrypts multiplexer frames with AES in
// counter mode. Encryption and decryption each own an independent
// [cipher.Stream] seeded from the same key/iv pair but advanced
// independently, matching the handshake's "client writes using one keystream
// direction, reads using the other" model: callers construct one
// CryptoTransport per peer and call Encrypt only from the writer goroutine,
// Decrypt only from the reader goroutine. Each method serializes its own
// calls with a mutex, but concurrent callers of the same method advance the
// keystream in an unspecified order, so the output no longer lines up with
// the order frames are written to or read from the wire.
type CryptoTransport struct {
	encMu  sync.Mutex
	decMu  sync.Mutex
	encOut cipher.Stream
	decOut cipher.Stream
}

// NewCryptoTransport builds a CryptoTransport from a 32-byte key and 16-byte
// iv. Both encrypt and decrypt streams start from the same counter state;
// since AES-CTR keystreams are deterministic in the block index, any two
// parties sharing key/iv and starting position produce the same keystream,
// so one side's Encrypt output is valid input to the other side's Decrypt.
func NewCryptoTransport(key, iv []byte) (*CryptoTransport, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("multiplexer: crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("multiplexer: crypto: iv must be %d bytes, got %d", IVSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("multiplexer: crypto: init aes: %w", err)
	}

	ivCopy1 := append([]byte(nil), iv...)
	ivCopy2 := append([]byte(nil), iv...)

	return &CryptoTransport{
		encOut: cipher.NewCTR(block, ivCopy1),
		decOut: cipher.NewCTR(block, ivCopy2),
	}, nil
}

// Encrypt returns the encryption of plaintext under the writer-side
// keystream, advancing the counter. The source and destination do not alias.
func (c *CryptoTransport) Encrypt(plaintext []byte) []byte {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	out := make([]byte, len(plaintext))
	c.encOut.XORKeyStream(out, plaintext)
	return out
}

// Decrypt returns the decryption of ciphertext under the reader-side
// keystream, advancing the counter.
func (c *CryptoTransport) Decrypt(ciphertext []byte) []byte {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	out := make([]byte, len(ciphertext))
	c.decOut.XORKeyStream(out, ciphertext)
	return out
}
