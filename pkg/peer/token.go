package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/klauspost/compress/gzip"
)

// Token is the plaintext payload sealed inside a peer's bootstrap Fernet
// token. Its JSON encoding (field names and tags in [tokenWire]) is fixed by
// wire compatibility with the original snitun peer clients (see
// SPEC_FULL.md §6) and must not change.
type Token struct {
	Valid      time.Time
	Hostname   string
	AESKey     []byte
	AESIV      []byte
	Alias      []string
	Throttling float64 // bytes/sec, 0 disables

	// ClientVersion is an optional semver string identifying the tunnel
	// client build that requested this token, checked against the
	// operator-configured minimum (see snitun.Config.MinPeerProtocol).
	// Additive field: absent in tokens issued by older clients.
	ClientVersion string
}

// tokenWire is the literal on-wire JSON shape of a token plaintext. valid is
// a UNIX timestamp in seconds, the same as Python's datetime.timestamp()
// (see _examples/original_source/tests/server/test_listener_peer.py's
// create_peer_config(valid.timestamp(), ...)), not Go's default RFC3339
// time.Time encoding.
type tokenWire struct {
	Valid         float64  `json:"valid"`
	Hostname      string   `json:"hostname"`
	AESKey        []byte   `json:"aes_key"`
	AESIV         []byte   `json:"aes_iv"`
	Alias         []string `json:"alias,omitempty"`
	Throttling    float64  `json:"throttling,omitempty"`
	ClientVersion string   `json:"client_version,omitempty"`
}

// MarshalJSON encodes t in the tokenWire shape, with Valid as a UNIX
// timestamp in seconds.
func (t Token) MarshalJSON() ([]byte, error) {
	w := tokenWire{
		Hostname:      t.Hostname,
		AESKey:        t.AESKey,
		AESIV:         t.AESIV,
		Alias:         t.Alias,
		Throttling:    t.Throttling,
		ClientVersion: t.ClientVersion,
	}
	if !t.Valid.IsZero() {
		w.Valid = float64(t.Valid.UnixNano()) / 1e9
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes t from the tokenWire shape, treating Valid as a
// UNIX timestamp in seconds; a zero or absent valid means no expiration.
func (t *Token) UnmarshalJSON(data []byte) error {
	var w tokenWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Token{
		Hostname:      w.Hostname,
		AESKey:        w.AESKey,
		AESIV:         w.AESIV,
		Alias:         w.Alias,
		Throttling:    w.Throttling,
		ClientVersion: w.ClientVersion,
	}
	if w.Valid != 0 {
		sec := int64(w.Valid)
		nsec := int64((w.Valid - float64(sec)) * 1e9)
		t.Valid = time.Unix(sec, nsec).UTC()
	}
	return nil
}

// gzipMagic is the first two bytes of a gzip stream, used to detect an
// optionally compressed token plaintext.
var gzipMagic = [2]byte{0x1f, 0x8b}

// DecodeToken unmarshals a token plaintext, transparently gunzipping it
// first if it looks gzip-compressed.
func DecodeToken(plaintext []byte) (*Token, error) {
	if len(plaintext) >= 2 && plaintext[0] == gzipMagic[0] && plaintext[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(bytes.NewReader(plaintext))
		if err != nil {
			return nil, fmt.Errorf("peer: token: open gzip: %w", err)
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("peer: token: read gzip: %w", err)
		}
		plaintext = decompressed
	}

	var tok Token
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return nil, fmt.Errorf("peer: token: decode: %w", err)
	}
	if tok.Hostname == "" {
		return nil, fmt.Errorf("%w: missing hostname", ErrInvalidToken)
	}
	if len(tok.AESKey) == 0 || len(tok.AESIV) == 0 {
		return nil, fmt.Errorf("%w: missing crypto material", ErrInvalidToken)
	}
	return &tok, nil
}

// TokenVerifier verifies and decodes Fernet-sealed bootstrap tokens against
// a rotating set of verification keys.
type TokenVerifier struct {
	keys *keyRing
}

// NewTokenVerifier builds a TokenVerifier from a set of decoded Fernet keys.
func NewTokenVerifier(keys []*fernet.Key) *TokenVerifier {
	return &TokenVerifier{keys: newKeyRing(keys)}
}

// Verify checks tok's Fernet signature against the current key set and, if
// valid, decodes and time-bounds its plaintext. now is injected for
// testability.
func (v *TokenVerifier) Verify(tok []byte, now time.Time) (*Token, error) {
	msg := fernet.VerifyAndDecrypt(tok, 0, v.keys.snapshot())
	if msg == nil {
		return nil, ErrInvalidToken
	}

	t, err := DecodeToken(msg)
	if err != nil {
		return nil, err
	}
	if !t.Valid.IsZero() && now.After(t.Valid) {
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidToken, t.Valid)
	}
	return t, nil
}

// SetKeys replaces the verifier's key set (used by [KeyUpdateMgr] on
// rotation).
func (v *TokenVerifier) SetKeys(keys []*fernet.Key) { v.keys.set(keys) }
