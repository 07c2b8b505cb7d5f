// Package peer implements the SniTun peer side: token verification, the
// challenge-response handshake, the per-hostname/alias peer registry, and
// the key-rotation machinery backing it.
package peer

import "errors"

// ErrNotConnected is returned by [Peer.WaitDisconnect] on a [Peer] that has
// not yet completed its handshake (state Pending/Authenticating). Once the
// peer has disconnected, WaitDisconnect returns its already-closed channel
// instead.
var ErrNotConnected = errors.New("peer: not connected")

// ErrInvalidToken is returned when a Fernet-sealed bootstrap token fails
// verification (bad signature, expired, or malformed plaintext).
var ErrInvalidToken = errors.New("peer: invalid token")

// ErrUnknownHostname is returned by [Manager.Lookup] when no peer is
// registered for a given hostname or alias.
var ErrUnknownHostname = errors.New("peer: unknown hostname")

// ErrDuplicateHostname is returned by [Manager.Register] when registering
// would make an alias collide with a different peer's hostname (or vice
// versa). A same-kind collision (hostname vs. hostname, alias vs. alias)
// is not an error: the newer registration evicts the older one.
var ErrDuplicateHostname = errors.New("peer: duplicate hostname or alias")

// ChallengeError indicates the peer's handshake challenge response did not
// match the expected hash, terminating the handshake.
type ChallengeError struct {
	Reason string
}

func (e *ChallengeError) Error() string { return "peer: challenge failed: " + e.Reason }
