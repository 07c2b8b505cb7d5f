package multiplexer

import "errors"

// ErrTransportClose is returned by [Channel.Read] when the remote side closed
// the channel. It is recoverable: one channel closing does not affect the
// rest of the multiplexer.
var ErrTransportClose = errors.New("multiplexer: channel closed by peer")

// ErrNotConnected is returned by operations attempted on a [Multiplexer] that
// has already shut down.
var ErrNotConnected = errors.New("multiplexer: not connected")

// ProtocolError indicates a framing violation (bad flow type, oversized
// payload, duplicate NEW, zero channel id on an addressed frame). It always
// escalates to a multiplexer shutdown.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "multiplexer: protocol error: " + e.Reason }

// TransportError wraps an underlying I/O failure that killed the
// multiplexer's reader or writer loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "multiplexer: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
