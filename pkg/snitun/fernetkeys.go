package snitun

import (
	"fmt"

	"github.com/fernet/fernet-go"
	"github.com/rs/zerolog"

	"github.com/pg9182/snitun/pkg/peer"
)

// configureFernetKeys builds a peer.TokenVerifier from c, and, if
// FernetKeysFile is set, a reload func that re-reads the key file (e.g. on
// SIGHUP) via a peer.KeyUpdateMgr. Exactly one of FernetKeys/FernetKeysFile
// is expected to be set; FernetKeysFile takes precedence.
func configureFernetKeys(c *Config, logger zerolog.Logger) (*peer.TokenVerifier, func(), error) {
	if c.FernetKeysFile != "" {
		mgr := &peer.KeyUpdateMgr{
			Path:               c.FernetKeysFile,
			AutoUpdateInterval: c.FernetKeysReloadInterval,
		}
		keys, _, err := mgr.Update(true)
		if err != nil {
			return nil, nil, fmt.Errorf("initial load of %s: %w", c.FernetKeysFile, err)
		}

		verifier := peer.NewTokenVerifier(keys)
		reload := func() {
			keys, did, err := mgr.Update(true)
			if err != nil {
				logger.Err(err).Msg("failed to reload fernet keys")
				return
			}
			if did {
				verifier.SetKeys(keys)
				logger.Log().Int("count", len(keys)).Msg("reloaded fernet keys")
			}
		}
		return verifier, reload, nil
	}

	if len(c.FernetKeys) == 0 {
		return nil, nil, fmt.Errorf("no fernet keys configured (set SNITUN_FERNET_KEYS or SNITUN_FERNET_KEYS_FILE)")
	}

	keys, err := fernet.DecodeKeys(c.FernetKeys...)
	if err != nil {
		return nil, nil, fmt.Errorf("decode SNITUN_FERNET_KEYS: %w", err)
	}
	return peer.NewTokenVerifier(keys), nil, nil
}
