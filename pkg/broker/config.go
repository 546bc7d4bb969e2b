package broker

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a broker Server. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). String arrays are comma-separated.
type Config struct {
	// The control-plane (TLS) address to listen on.
	Addr string `env:"RMEMD_ADDR?=:4791"`

	// The separate, insecure-by-default debug address serving pprof,
	// metrics, and the closure-log dump. Empty disables it.
	DebugAddr string `env:"RMEMD_DEBUG_ADDR"`

	// Path to the TLS server certificate and key (PEM).
	TLSCert string `env:"RMEMD_TLS_CERT"`
	TLSKey  string `env:"RMEMD_TLS_KEY"`

	// Path to a CA bundle used to verify client certificates. If empty,
	// clients are not required to present one.
	TLSClientCA string `env:"RMEMD_TLS_CLIENT_CA"`

	// The maximum number of simultaneously admitted connections.
	MaxClients int `env:"RMEMD_MAX_CLIENTS=1000"`

	// Whether each connection's queue pair is granted remote-write access
	// at the INIT transition. The shared buffer pool's memory region is
	// always registered with remote-write access; this flag only gates the
	// queue pair. Off by default: see DESIGN.md "Remote-write exposure."
	AllowRemoteWrite bool `env:"RMEMD_ALLOW_REMOTE_WRITE"`

	// The local verbs device port to use.
	PortNum int `env:"RMEMD_PORT_NUM=1"`

	// The number of completion queues shared across all connections.
	NumCQs int `env:"RMEMD_NUM_CQS=4"`

	// Secret gating /metrics and /debug/closurelog on the debug mux.
	// Compared in constant time; empty disables those endpoints.
	DebugSecret string `env:"RMEMD_DEBUG_SECRET" sdcreds:"load,trimspace"`

	// Path to the sqlite3 closure-log database. Empty disables closure
	// logging.
	ClosureDB string `env:"RMEMD_CLOSURE_DB=rmemd-closures.db"`

	// Path to an IP2Location-format database used to annotate admitted
	// remote addresses with country/region. Empty disables it.
	IP2Location string `env:"RMEMD_IP2LOCATION"`

	// The minimum protocol version (semver, e.g. "1.0.0") this broker will
	// accept from a peer during the greeting handshake.
	MinProtocolVersion string `env:"RMEMD_MIN_PROTOCOL_VERSION=v1.0.0"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"RMEMD_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"RMEMD_LOG_STDOUT=true"`

	// Whether to use pretty (human-readable) stdout logs.
	LogStdoutPretty bool `env:"RMEMD_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided. cmd/rmemd does not open it;
	// logs go to stdout only, and SIGHUP does not reopen anything.
	LogFile string `env:"RMEMD_LOG_FILE"`

	// How often Run logs a status line summarizing active connections and
	// free buffers.
	StatusInterval time.Duration `env:"RMEMD_STATUS_INTERVAL=1s"`
}

// UnmarshalEnv populates c from a list of "KEY=VALUE" environment lines,
// the same reflect-over-tag mechanism atlas uses, trimmed to the field
// kinds this config needs. If incremental is true, fields whose env var is
// absent from es are left untouched rather than reset to their default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RMEMD_") {
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
	return nil
}
