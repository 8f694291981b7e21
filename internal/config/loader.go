// loader.go — Configuration loading with priority cascade.
// Priority: defaults < global config < project config < env vars < flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all resolved configuration values, keyed per the
// documented configuration table.
type Config struct {
	TransportBasePath string `json:"transport.base_path"`
	ParkTimeoutMs     int    `json:"lp.park_timeout_ms"`
	PeerIdleTimeoutMs int    `json:"peer.idle_timeout_ms"`
	PeerHeartbeatMs   int    `json:"peer.heartbeat_ms"`
	BusCallTimeoutMs  int    `json:"bus.call_timeout_ms"`
	TLSDHBits         int    `json:"tls.dh_bits"`
}

// FlagOverrides holds values explicitly set via command-line flags.
// A nil pointer means the flag was not set, so lower-priority values win.
type FlagOverrides struct {
	TransportBasePath *string
	ParkTimeoutMs     *int
	PeerIdleTimeoutMs *int
	PeerHeartbeatMs   *int
	BusCallTimeoutMs  *int
	TLSDHBits         *int
}

// Defaults returns the base configuration.
func Defaults() Config {
	return Config{
		TransportBasePath: "/transport",
		ParkTimeoutMs:     30000,
		PeerIdleTimeoutMs: 15000,
		PeerHeartbeatMs:   5000,
		BusCallTimeoutMs:  30000,
		TLSDHBits:         0,
	}
}

// Load builds the final configuration by applying the priority cascade:
// defaults < global (~/.evdipc/config.json) < project (.evdipc.json in
// projectDir) < env vars < flags.
func Load(projectDir string, flags *FlagOverrides) (Config, error) {
	cfg := Defaults()

	if home, err := os.UserHomeDir(); err == nil {
		_ = loadJSONFile(&cfg, filepath.Join(home, ".evdipc", "config.json"))
	}

	if err := loadJSONFile(&cfg, filepath.Join(projectDir, ".evdipc.json")); err != nil {
		return cfg, fmt.Errorf("project config: %w", err)
	}

	loadEnvVars(&cfg)

	if flags != nil {
		applyFlags(&cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadJSONFile reads a JSON config file and merges explicitly-set values
// into cfg. A missing file is not an error.
func loadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fileCfg fileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fileCfg.TransportBasePath != nil {
		cfg.TransportBasePath = *fileCfg.TransportBasePath
	}
	if fileCfg.ParkTimeoutMs != nil {
		cfg.ParkTimeoutMs = *fileCfg.ParkTimeoutMs
	}
	if fileCfg.PeerIdleTimeoutMs != nil {
		cfg.PeerIdleTimeoutMs = *fileCfg.PeerIdleTimeoutMs
	}
	if fileCfg.PeerHeartbeatMs != nil {
		cfg.PeerHeartbeatMs = *fileCfg.PeerHeartbeatMs
	}
	if fileCfg.BusCallTimeoutMs != nil {
		cfg.BusCallTimeoutMs = *fileCfg.BusCallTimeoutMs
	}
	if fileCfg.TLSDHBits != nil {
		cfg.TLSDHBits = *fileCfg.TLSDHBits
	}

	return nil
}

// fileConfig uses pointers to distinguish "not set" from zero values.
type fileConfig struct {
	TransportBasePath *string `json:"transport.base_path"`
	ParkTimeoutMs     *int    `json:"lp.park_timeout_ms"`
	PeerIdleTimeoutMs *int    `json:"peer.idle_timeout_ms"`
	PeerHeartbeatMs   *int    `json:"peer.heartbeat_ms"`
	BusCallTimeoutMs  *int    `json:"bus.call_timeout_ms"`
	TLSDHBits         *int    `json:"tls.dh_bits"`
}

// loadEnvVars applies environment variable overrides.
func loadEnvVars(cfg *Config) {
	if v := os.Getenv("EVDIPC_TRANSPORT_BASE_PATH"); v != "" {
		cfg.TransportBasePath = v
	}
	if v := os.Getenv("EVDIPC_PARK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ParkTimeoutMs = n
		}
	}
	if v := os.Getenv("EVDIPC_PEER_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PeerIdleTimeoutMs = n
		}
	}
	if v := os.Getenv("EVDIPC_PEER_HEARTBEAT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PeerHeartbeatMs = n
		}
	}
	if v := os.Getenv("EVDIPC_BUS_CALL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BusCallTimeoutMs = n
		}
	}
	if v := os.Getenv("EVDIPC_TLS_DH_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TLSDHBits = n
		}
	}
}

// applyFlags applies command-line flag overrides (highest priority).
func applyFlags(cfg *Config, flags *FlagOverrides) {
	if flags.TransportBasePath != nil {
		cfg.TransportBasePath = *flags.TransportBasePath
	}
	if flags.ParkTimeoutMs != nil {
		cfg.ParkTimeoutMs = *flags.ParkTimeoutMs
	}
	if flags.PeerIdleTimeoutMs != nil {
		cfg.PeerIdleTimeoutMs = *flags.PeerIdleTimeoutMs
	}
	if flags.PeerHeartbeatMs != nil {
		cfg.PeerHeartbeatMs = *flags.PeerHeartbeatMs
	}
	if flags.BusCallTimeoutMs != nil {
		cfg.BusCallTimeoutMs = *flags.BusCallTimeoutMs
	}
	if flags.TLSDHBits != nil {
		cfg.TLSDHBits = *flags.TLSDHBits
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c Config) Validate() error {
	if c.TransportBasePath == "" || c.TransportBasePath[0] != '/' {
		return fmt.Errorf("transport.base_path must start with '/', got %q", c.TransportBasePath)
	}
	if c.ParkTimeoutMs <= 0 {
		return fmt.Errorf("lp.park_timeout_ms must be positive, got %d", c.ParkTimeoutMs)
	}
	if c.PeerIdleTimeoutMs <= 0 {
		return fmt.Errorf("peer.idle_timeout_ms must be positive, got %d", c.PeerIdleTimeoutMs)
	}
	if c.PeerHeartbeatMs <= 0 {
		return fmt.Errorf("peer.heartbeat_ms must be positive, got %d", c.PeerHeartbeatMs)
	}
	if c.BusCallTimeoutMs <= 0 {
		return fmt.Errorf("bus.call_timeout_ms must be positive, got %d", c.BusCallTimeoutMs)
	}
	if c.TLSDHBits < 0 {
		return fmt.Errorf("tls.dh_bits must be >= 0, got %d", c.TLSDHBits)
	}
	return nil
}
