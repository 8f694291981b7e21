package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsMatchesDocumentedTable(t *testing.T) {
	d := Defaults()
	if d.TransportBasePath != "/transport" {
		t.Errorf("TransportBasePath = %q, want /transport", d.TransportBasePath)
	}
	if d.ParkTimeoutMs != 30000 || d.PeerIdleTimeoutMs != 15000 || d.PeerHeartbeatMs != 5000 || d.BusCallTimeoutMs != 30000 {
		t.Errorf("timers = %+v, want documented defaults", d)
	}
	if d.TLSDHBits != 0 {
		t.Errorf("TLSDHBits = %d, want 0", d.TLSDHBits)
	}
}

func TestLoadAppliesProjectFileOverGlobalDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir) // no global config present

	projectDir := filepath.Join(dir, "proj")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{"lp.park_timeout_ms": 1000})
	if err := os.WriteFile(filepath.Join(projectDir, ".evdipc.json"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(projectDir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ParkTimeoutMs != 1000 {
		t.Errorf("ParkTimeoutMs = %d, want 1000", cfg.ParkTimeoutMs)
	}
	if cfg.PeerIdleTimeoutMs != 15000 {
		t.Errorf("PeerIdleTimeoutMs = %d, want default 15000 unchanged", cfg.PeerIdleTimeoutMs)
	}
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("EVDIPC_PARK_TIMEOUT_MS", "2000")

	want := 9000
	cfg, err := Load(dir, &FlagOverrides{ParkTimeoutMs: &want})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ParkTimeoutMs != 9000 {
		t.Errorf("ParkTimeoutMs = %d, want flag value 9000", cfg.ParkTimeoutMs)
	}
}

func TestValidateRejectsBadBasePath(t *testing.T) {
	cfg := Defaults()
	cfg.TransportBasePath = "transport"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for base path missing leading slash")
	}
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.BusCallTimeoutMs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero bus.call_timeout_ms")
	}
}
