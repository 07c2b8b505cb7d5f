// Package snitun wires together the multiplexer, peer, and gateway packages
// into a runnable server.
package snitun

import (
	"fmt"
	"io/fs"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// Config contains the configuration for the snitun gateway. The env struct
// tag contains the environment variable name and the default value if
// missing, or empty (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The address the SNI proxy listens on for public TLS connections.
	AddrSNI string `env:"SNITUN_ADDR_SNI=:443"`

	// The address the peer listener listens on for tunnel clients.
	AddrPeer string `env:"SNITUN_ADDR_PEER=:8443"`

	// Comma-separated base64 Fernet keys used to verify bootstrap tokens.
	// The first key is also used if token signing is ever needed locally.
	FernetKeys []string `env:"SNITUN_FERNET_KEYS"`

	// Path to a newline-separated Fernet key file, reloaded on SIGHUP (the
	// file is not polled). Overrides FernetKeys if set.
	FernetKeysFile string `env:"SNITUN_FERNET_KEYS_FILE"`

	// Passed to the key file's KeyUpdateMgr as its AutoUpdateInterval. The
	// only reloads are SIGHUP reloads, which are forced, so this value does
	// not change when FernetKeysFile is re-read.
	FernetKeysReloadInterval time.Duration `env:"SNITUN_FERNET_KEYS_RELOAD_INTERVAL=5m"`

	// Default throttle, in bytes/sec, applied to peers whose token doesn't
	// specify one. Zero disables throttling by default.
	ThrottlingDefault float64 `env:"SNITUN_THROTTLING_DEFAULT=0"`

	// How long a connecting peer has to complete the token+challenge
	// handshake.
	HandshakeTimeout time.Duration `env:"SNITUN_HANDSHAKE_TIMEOUT=10s"`

	// How long a public connection has to send a full ClientHello.
	ClientHelloTimeout time.Duration `env:"SNITUN_CLIENTHELLO_TIMEOUT=5s"`

	// The maximum number of concurrently open public connections (each one
	// counts from accept until it closes, relay included). If zero or
	// negative, no limit is applied.
	MaxHandshakes int `env:"SNITUN_MAX_HANDSHAKES=4096"`

	// Minimum tunnel client software semver (e.g. "v1.2.0") a peer's
	// bootstrap token may advertise in Token.ClientVersion.
	// This is unrelated to the fixed multiplexer wire ProtocolVersion
	// int; it floors the *client build*, the same role
	// API0_MinimumLauncherVersion plays for Atlas's game launcher.
	//
	// Validated as a semver string via golang.org/x/mod/semver.
	MinPeerProtocol string `env:"SNITUN_MIN_PEER_PROTOCOL"`

	// The path to an IP2Location database used to bucket peer source IPs by
	// region for metrics. Reloaded on SIGHUP.
	IP2Location string `env:"SNITUN_IP2LOCATION"`

	// The minimum log level.
	LogLevel zerolog.Level `env:"SNITUN_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"SNITUN_LOG_STDOUT=true"`

	// Whether to use pretty (console) logs on stdout.
	LogStdoutPretty bool `env:"SNITUN_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"SNITUN_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"SNITUN_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"SNITUN_LOG_FILE_LEVEL=info"`

	// The permissions for the log file.
	LogFileChmod fs.FileMode `env:"SNITUN_LOG_FILE_CHMOD"`

	// Secret token for accessing the metrics endpoint (?secret=...).
	MetricsSecret string `env:"SNITUN_METRICS_SECRET"`

	// The address to expose metrics on. If empty, no metrics server runs.
	AddrMetrics string `env:"SNITUN_ADDR_METRICS"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "SNITUN_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case float64:
			if val == "" {
				cvf.SetFloat(0)
			} else if v, err := strconv.ParseFloat(val, 64); err == nil {
				cvf.SetFloat(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	if c.MinPeerProtocol != "" && !semver.IsValid(c.MinPeerProtocol) {
		return fmt.Errorf("SNITUN_MIN_PEER_PROTOCOL: invalid semver %q", c.MinPeerProtocol)
	}
	return nil
}
