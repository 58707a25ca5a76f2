// Package config manages itero daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete itero daemon configuration.
type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Mesh    MeshConfig    `koanf:"mesh"`
	NetIO   NetIOConfig   `koanf:"netio"`
	Store   StoreConfig   `koanf:"store"`
}

// AdminConfig holds the JSON admin API listener configuration.
type AdminConfig struct {
	// Addr is the admin API listen address (e.g., ":7780").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MeshConfig holds the protocol parameters every peer on the same mesh
// must share identically: the Diffie-Hellman group and the shared
// broadcast key.
type MeshConfig struct {
	// DHPrime and DHGenerator are the 64-bit Diffie-Hellman parameters.
	// DHPrime must be prime and DHGenerator must be less than DHPrime.
	DHPrime     uint64 `koanf:"dh_prime"`
	DHGenerator uint64 `koanf:"dh_generator"`

	// BroadcastSeed seeds the shared LFSR pair every peer derives
	// broadcast keys from; neither word may be 0 or 0xFFFFFFFF.
	BroadcastSeed [2]uint32 `koanf:"broadcast_seed"`

	// BroadcastMask1 and BroadcastMask2 are the tap-index triples for
	// the broadcast LFSR and its rotation register, each in 1..31 and
	// pairwise distinct.
	BroadcastMask1 [3]uint8 `koanf:"broadcast_mask1"`
	BroadcastMask2 [3]uint8 `koanf:"broadcast_mask2"`

	// CanBroadcast enables rebroadcasting and acceptance of MSG_Message
	// broadcasts on startup.
	CanBroadcast bool `koanf:"can_broadcast"`

	// PingName is the display name advertised in Ping() payloads and in
	// the handshake's Name field, NUL-padded to 20 bytes on the wire.
	PingName string `koanf:"ping_name"`
}

// NetIOConfig holds the raw-frame transport configuration.
type NetIOConfig struct {
	// Interface is the network interface the raw AF_PACKET socket binds
	// to (e.g., "wlan0mon" in monitor mode).
	Interface string `koanf:"interface"`
}

// StoreConfig holds the persistence layer configuration.
type StoreConfig struct {
	// Path is the file the peer table and broadcast counter are
	// persisted to. Empty means in-memory only (no reboot survival).
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// mesh-wide DH and broadcast parameters default to zero and MUST be set
// explicitly -- every peer on a mesh must agree on them, so there is no
// safe universal default.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":7780",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mesh: MeshConfig{
			CanBroadcast: true,
		},
		Store: StoreConfig{
			Path: "itero.db",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for itero configuration.
// Variables are named ITERO_<section>_<key>, e.g., ITERO_ADMIN_ADDR.
const envPrefix = "ITERO_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ITERO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ITERO_ADMIN_ADDR        -> admin.addr
//	ITERO_METRICS_ADDR      -> metrics.addr
//	ITERO_METRICS_PATH      -> metrics.path
//	ITERO_LOG_LEVEL         -> log.level
//	ITERO_LOG_FORMAT        -> log.format
//	ITERO_MESH_DH_PRIME     -> mesh.dh_prime
//	ITERO_MESH_DH_GENERATOR -> mesh.dh_generator
//	ITERO_NETIO_INTERFACE   -> netio.interface
//	ITERO_STORE_PATH        -> store.path
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ITERO_MESH_DH_PRIME -> mesh.dh_prime.
// Strips the ITERO_ prefix, lowercases, and replaces the first _ with .
// (section separator); remaining underscores are left alone so
// multi-word keys like dh_prime survive the round trip.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":         defaults.Admin.Addr,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"mesh.can_broadcast": defaults.Mesh.CanBroadcast,
		"store.path":         defaults.Store.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin API listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrEmptyInterface indicates no network interface was configured
	// for the raw-frame transport.
	ErrEmptyInterface = errors.New("netio.interface must not be empty")

	// ErrInvalidDHParams indicates the DH prime/generator pair is
	// degenerate (zero prime, or generator not less than prime).
	ErrInvalidDHParams = errors.New("mesh.dh_generator must be nonzero and less than mesh.dh_prime")

	// ErrInvalidBroadcastSeed indicates a broadcast seed word is 0 or
	// all-ones, which the LFSR non-degeneracy invariant forbids.
	ErrInvalidBroadcastSeed = errors.New("mesh.broadcast_seed words must be nonzero and not all-ones")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.NetIO.Interface == "" {
		return ErrEmptyInterface
	}

	if cfg.Mesh.DHPrime == 0 || cfg.Mesh.DHGenerator == 0 || cfg.Mesh.DHGenerator >= cfg.Mesh.DHPrime {
		return ErrInvalidDHParams
	}

	for _, w := range cfg.Mesh.BroadcastSeed {
		if w == 0 || w == 0xFFFFFFFF {
			return ErrInvalidBroadcastSeed
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
