package peer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// KeyUpdateMgr loads a Fernet key set from a file of newline-separated
// base64 keys and returns it from Update (callers apply it with
// [TokenVerifier.SetKeys]), coalescing concurrent reload requests:
// only one reload runs at a time, and callers that arrive while one is in
// flight wait for its result instead of starting another.
type KeyUpdateMgr struct {
	// Path to the key file. Required.
	Path string

	// Age of the last successful load after which Update(false) reloads
	// the file. Reloads only happen inside Update calls; no timer runs. Zero
	// means Update(false) never reloads after the first successful load;
	// callers must invoke Update(true) themselves (e.g. on SIGHUP).
	AutoUpdateInterval time.Duration

	// AutoUpdateBackoff, if set, is consulted after a failed reload to
	// decide whether another attempt is currently allowed.
	AutoUpdateBackoff func(err error, time time.Time, count int) bool

	// AutoUpdateHook, if set, is called after every reload attempt.
	AutoUpdateHook func(count int, err error)

	verInit     sync.Once
	verPf       bool
	verCv       *sync.Cond
	verErr      error
	verErrTime  time.Time
	verErrCount int
	verTime     time.Time
	keys        []*fernet.Key
}

// ErrKeyUpdateBackoff is returned by Update when AutoUpdateBackoff refuses a
// retry following a previous failure.
var ErrKeyUpdateBackoff = errors.New("peer: not reloading fernet keys due to backoff")

func (u *KeyUpdateMgr) init() {
	u.verInit.Do(func() {
		u.verCv = sync.NewCond(new(sync.Mutex))
	})
}

// Update reloads the key file, following AutoUpdateInterval unless force is
// true or no successful load has happened yet. If another reload is already
// in progress, this call waits for its result instead of starting a new one.
// The bool result reports whether this call actually performed a reload.
func (u *KeyUpdateMgr) Update(force bool) ([]*fernet.Key, bool, error) {
	u.init()
	u.verCv.L.Lock()
	if u.verPf {
		for u.verPf {
			u.verCv.Wait()
		}
		defer u.verCv.L.Unlock()
		return u.keys, false, u.verErr
	}

	if !(force || u.verTime.IsZero() || (u.AutoUpdateInterval != 0 && time.Since(u.verTime) > u.AutoUpdateInterval)) {
		defer u.verCv.L.Unlock()
		return u.keys, false, u.verErr
	}

	u.verPf = true
	u.verCv.L.Unlock()
	defer func() {
		u.verCv.L.Lock()
		u.verCv.Broadcast()
		u.verPf = false
		u.verCv.L.Unlock()
	}()

	if u.verErr != nil && u.AutoUpdateBackoff != nil {
		if !u.AutoUpdateBackoff(u.verErr, u.verErrTime, u.verErrCount) {
			return u.keys, false, fmt.Errorf("%w (%d attempts, last error: %v)", ErrKeyUpdateBackoff, u.verErrCount, u.verErr)
		}
	}

	keys, err := u.load()
	u.verErr = err
	if err != nil {
		u.verErrCount++
		u.verErrTime = time.Now()
	} else {
		u.keys = keys
		u.verTime = time.Now()
		u.verErrCount = 0
		u.verErrTime = time.Time{}
	}

	if u.AutoUpdateHook != nil {
		go u.AutoUpdateHook(len(u.keys), u.verErr)
	}
	return u.keys, true, u.verErr
}

func (u *KeyUpdateMgr) load() ([]*fernet.Key, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("peer: key update: no path configured")
	}
	raw, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, fmt.Errorf("peer: key update: read %s: %w", u.Path, err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("peer: key update: %s contains no keys", u.Path)
	}

	keys, err := fernet.DecodeKeys(lines...)
	if err != nil {
		return nil, fmt.Errorf("peer: key update: decode %s: %w", u.Path, err)
	}
	return keys, nil
}
