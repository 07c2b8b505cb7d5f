package peer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
)

func testFernetKey(t *testing.T) *fernet.Key {
	t.Helper()
	k, err := fernet.Generate()
	if err != nil {
		t.Fatalf("fernet.Generate: %v", err)
	}
	return k
}

func sealToken(t *testing.T, k *fernet.Key, tok Token) []byte {
	t.Helper()
	plaintext, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	sealed, err := fernet.EncryptAndSign(plaintext, k)
	if err != nil {
		t.Fatalf("fernet.EncryptAndSign: %v", err)
	}
	return sealed
}

func TestTokenVerifierRoundTrip(t *testing.T) {
	k := testFernetKey(t)
	v := NewTokenVerifier([]*fernet.Key{k})

	want := Token{
		Hostname: "example.snitun.test",
		AESKey:   bytes.Repeat([]byte{0x01}, 32),
		AESIV:    bytes.Repeat([]byte{0x02}, 16),
		Alias:    []string{"example-alias"},
	}
	sealed := sealToken(t, k, want)

	got, err := v.Verify(sealed, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Hostname != want.Hostname || !slices.Equal(got.Alias, want.Alias) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTokenVerifierRejectsWrongKey(t *testing.T) {
	sealed := sealToken(t, testFernetKey(t), Token{
		Hostname: "x",
		AESKey:   bytes.Repeat([]byte{1}, 32),
		AESIV:    bytes.Repeat([]byte{2}, 16),
	})

	v := NewTokenVerifier([]*fernet.Key{testFernetKey(t)})
	if _, err := v.Verify(sealed, time.Now()); err != ErrInvalidToken {
		t.Fatalf("Verify: got %v, want ErrInvalidToken", err)
	}
}

func TestTokenVerifierRejectsExpired(t *testing.T) {
	k := testFernetKey(t)
	v := NewTokenVerifier([]*fernet.Key{k})

	sealed := sealToken(t, k, Token{
		Hostname: "x",
		AESKey:   bytes.Repeat([]byte{1}, 32),
		AESIV:    bytes.Repeat([]byte{2}, 16),
		Valid:    time.Now().Add(-time.Hour),
	})

	if _, err := v.Verify(sealed, time.Now()); err == nil {
		t.Fatal("Verify: expected error for expired token, got nil")
	}
}

func TestTokenVerifierSetKeysRotates(t *testing.T) {
	oldKey := testFernetKey(t)
	newKey := testFernetKey(t)
	v := NewTokenVerifier([]*fernet.Key{oldKey})

	sealed := sealToken(t, newKey, Token{
		Hostname: "x",
		AESKey:   bytes.Repeat([]byte{1}, 32),
		AESIV:    bytes.Repeat([]byte{2}, 16),
	})

	if _, err := v.Verify(sealed, time.Now()); err != ErrInvalidToken {
		t.Fatalf("Verify before rotation: got %v, want ErrInvalidToken", err)
	}

	v.SetKeys([]*fernet.Key{newKey})

	if _, err := v.Verify(sealed, time.Now()); err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}
}

func TestDecodeTokenGzip(t *testing.T) {
	want := Token{
		Hostname: "gzipped.snitun.test",
		AESKey:   bytes.Repeat([]byte{3}, 32),
		AESIV:    bytes.Repeat([]byte{4}, 16),
	}
	plain, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	got, err := DecodeToken(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if got.Hostname != want.Hostname {
		t.Fatalf("got hostname %q, want %q", got.Hostname, want.Hostname)
	}
}

func TestDecodeTokenRejectsMissingFields(t *testing.T) {
	plain, _ := json.Marshal(Token{Hostname: "x"})
	if _, err := DecodeToken(plain); err == nil {
		t.Fatal("DecodeToken: expected error for missing crypto material")
	}
}

// TestTokenValidIsUnixTimestamp decodes a plaintext built by hand, the way an
// external client would produce it, to confirm valid is read as a UNIX
// timestamp in seconds rather than an RFC3339 string.
func TestTokenValidIsUnixTimestamp(t *testing.T) {
	want := time.Date(2030, time.January, 2, 3, 4, 5, 0, time.UTC)

	plain := []byte(fmt.Sprintf(
		`{"valid":%d,"hostname":"unix.snitun.test","aes_key":"%s","aes_iv":"%s"}`,
		want.Unix(),
		base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32)),
		base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{8}, 16)),
	))

	got, err := DecodeToken(plain)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if !got.Valid.Equal(want) {
		t.Fatalf("Valid = %s, want %s", got.Valid, want)
	}
}

// TestTokenMarshalValidIsNumber confirms Token.MarshalJSON emits valid as a
// JSON number (a UNIX timestamp), not Go's default RFC3339 string encoding
// of time.Time, so tokens this server issues stay wire-compatible with
// clients that expect a numeric valid.
func TestTokenMarshalValidIsNumber(t *testing.T) {
	tok := Token{
		Hostname: "x",
		AESKey:   bytes.Repeat([]byte{1}, 32),
		AESIV:    bytes.Repeat([]byte{2}, 16),
		Valid:    time.Unix(1234567890, 0).UTC(),
	}

	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, ok := raw["valid"].(float64); !ok {
		t.Fatalf("valid field is %T (%v), want a JSON number", raw["valid"], raw["valid"])
	}
}
