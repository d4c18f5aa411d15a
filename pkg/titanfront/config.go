// Package titanfront assembles the relay's config, logging, router,
// HTTP auth surface and publisher into a single running process.
package titanfront

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config contains the relay's full runtime configuration. The env struct
// tag contains the environment variable name and the default value if
// missing (or empty, if not ?=), following pkg/atlas/config.go's
// convention. All list fields are comma-separated.
type Config struct {
	// Base64-encoded 16-byte AES-128 packet encryption key. Required.
	Key string `env:"TITANFRONT_KEY"`

	// Base64-encoded 16-byte AES-GCM associated data value.
	AAD string `env:"TITANFRONT_AAD=AQIDBAUGBwgJCgsMDQ4PEA=="`

	// UDP interface and port clients connect to.
	UDPAddr netip.AddrPort `env:"TITANFRONT_UDP_ADDR=0.0.0.0:37015"`

	// HTTP interface and port the auth surface listens on.
	AuthAddr netip.AddrPort `env:"TITANFRONT_AUTH_ADDR=0.0.0.0:8081"`

	// Host relay sockets are bound on. Their ports are always 0 (kernel
	// assigned).
	RelayHost string `env:"TITANFRONT_RELAY_HOST=0.0.0.0"`

	// Number of non-admin player slots.
	PlayerCount int `env:"TITANFRONT_PLAYER_COUNT=16"`

	// Size of the per-datagram receive buffer.
	ReceiveBufSize int `env:"TITANFRONT_RECEIVE_BUF_SIZE=2048"`

	// User IDs exempt from the player-slot reservation.
	Admins []uint64 `env:"TITANFRONT_ADMINS"`

	// Backend game servers datagrams are relayed to (host:port).
	TargetServers []string `env:"TITANFRONT_TARGET_SERVERS"`

	// Index into TargetServers new connections are sent to.
	JoinTarget int `env:"TITANFRONT_JOIN_TARGET=0"`

	// Whether to require a master-server-issued auth token to join.
	AuthEnabled bool `env:"TITANFRONT_AUTH_ENABLED=true"`

	// Master/auth server base URL.
	AuthServer string `env:"TITANFRONT_AUTH_SERVER=https://northstar.tf"`

	Name        string `env:"TITANFRONT_NAME=Titanfront server"`
	Description string `env:"TITANFRONT_DESCRIPTION=Titanfront server"`
	Password    string `env:"TITANFRONT_PASSWORD"`
	Version     string `env:"TITANFRONT_VERSION"`

	// Raw JSON passed as the add_server modinfo multipart part.
	ModInfo string `env:"TITANFRONT_MODINFO={\"Mods\":[{\"Name\":\"Northstar.Custom\",\"Version\":\"1.11.0\",\"RequiredOnClient\":true}]}"`

	// Ambient stack.
	LogLevel       zerolog.Level `env:"TITANFRONT_LOG_LEVEL=info"`
	LogPretty      bool          `env:"TITANFRONT_LOG_PRETTY=true"`
	MetricsSecret  string        `env:"TITANFRONT_METRICS_SECRET"`
	HistoryStorage string        `env:"TITANFRONT_HISTORY_STORAGE=memory"`
	DebugAddr      string        `env:"TITANFRONT_DEBUG_ADDR"`
}

// UnmarshalEnv populates c from environment-style "KEY=VALUE" strings,
// using each field's default if the corresponding variable isn't set. If
// incremental is true, fields whose variable is absent are left untouched
// instead of reset to their default, the same incremental-reload semantics
// pkg/atlas/config.go offers for SIGHUP handling.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "TITANFRONT_") {
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

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
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
		case []uint64:
			if val == "" {
				cvf.Set(reflect.ValueOf([]uint64{}))
			} else {
				parts := strings.Split(val, ",")
				us := make([]uint64, len(parts))
				for i, p := range parts {
					v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
					if err != nil {
						return fmt.Errorf("env %s: parse %q: %w", key, p, err)
					}
					us[i] = v
				}
				cvf.Set(reflect.ValueOf(us))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
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
	if len(c.TargetServers) == 0 && !incremental {
		return fmt.Errorf("no target servers to proxy")
	}
	return nil
}
