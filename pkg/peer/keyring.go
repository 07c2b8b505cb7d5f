package peer

import (
	"sync"

	"github.com/fernet/fernet-go"
)

// keyRing holds the current set of Fernet verification keys behind a mutex
// so [KeyUpdateMgr] can rotate them while handshakes are in flight.
type keyRing struct {
	mu   sync.RWMutex
	keys []*fernet.Key
}

func newKeyRing(keys []*fernet.Key) *keyRing {
	r := &keyRing{}
	r.set(keys)
	return r
}

func (r *keyRing) set(keys []*fernet.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append([]*fernet.Key(nil), keys...)
}

func (r *keyRing) snapshot() []*fernet.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys
}
