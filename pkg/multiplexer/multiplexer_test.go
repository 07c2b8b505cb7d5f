package multiplexer

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"
	"time"
)

func newLinkedMultiplexers(t *testing.T, onNewA, onNewB NewChannelFunc) (*Multiplexer, *Multiplexer) {
	t.Helper()

	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand iv: %v", err)
	}

	cryptoA, err := NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}
	cryptoB, err := NewCryptoTransport(key, iv)
	if err != nil {
		t.Fatalf("NewCryptoTransport: %v", err)
	}

	connA, connB := net.Pipe()

	a := New(cryptoA, connA, 1, onNewA)
	b := New(cryptoB, connB, 1, onNewB)

	t.Cleanup(func() {
		a.Shutdown()
		b.Shutdown()
	})

	return a, b
}

func TestMultiplexerChannelRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)

	a, b := newLinkedMultiplexers(t, nil, func(m *Multiplexer, ch *Channel) {
		data, err := ch.Read()
		if err != nil {
			t.Errorf("server channel Read: %v", err)
			return
		}
		received <- data
	})
	_ = b

	ch, err := a.CreateChannel()
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	payload := []byte("hello over the wire")
	if err := ch.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("received %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote channel data")
	}
}

func TestMultiplexerDeleteChannelClosesRemote(t *testing.T) {
	remoteClosed := make(chan struct{})

	a, b := newLinkedMultiplexers(t, nil, func(m *Multiplexer, ch *Channel) {
		go func() {
			if _, err := ch.Read(); err == ErrTransportClose {
				close(remoteClosed)
			}
		}()
	})
	_ = b

	ch, err := a.CreateChannel()
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if err := a.DeleteChannel(ch); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}

	select {
	case <-remoteClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote CLOSE delivery")
	}
}

func TestMultiplexerShutdownClosesChannels(t *testing.T) {
	a, b := newLinkedMultiplexers(t, nil, nil)
	_ = b

	ch, err := a.CreateChannel()
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	a.Shutdown()

	if _, err := ch.Read(); err != ErrNotConnected && err != ErrTransportClose {
		t.Fatalf("Read after shutdown: got %v, want ErrNotConnected or ErrTransportClose", err)
	}

	select {
	case <-a.Wait():
	default:
		t.Fatal("Wait() channel not closed after Shutdown")
	}
	if a.IsConnected() {
		t.Fatal("IsConnected() true after Shutdown")
	}
}

func TestMultiplexerPing(t *testing.T) {
	a, b := newLinkedMultiplexers(t, nil, nil)
	_ = b

	if err := a.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMultiplexerIsConnectedBeforeShutdown(t *testing.T) {
	a, b := newLinkedMultiplexers(t, nil, nil)
	_ = b

	if !a.IsConnected() {
		t.Fatal("IsConnected() false for a freshly created multiplexer")
	}
}
