package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Fieldbus.DiscoveryGroup != "239.255.12.1:34964" || cfg.Fieldbus.ConnectTimeout != 5*time.Second {
		t.Errorf("fieldbus = %+v", cfg.Fieldbus)
	}
	if cfg.RPC.Timeout != 5*time.Second || cfg.RPC.Retries != 2 {
		t.Errorf("rpc = %+v", cfg.RPC)
	}
	if cfg.Failover.Mode != "MANUAL" || cfg.Failover.MaxMappings != 32 {
		t.Errorf("failover = %+v", cfg.Failover)
	}
	if cfg.Persistence.Backend != "file" || cfg.Persistence.SnapshotInterval != 10*time.Second {
		t.Errorf("persistence = %+v", cfg.Persistence)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	doc := `
fieldbus:
  default_cycle_time: 32ms
  miss_threshold: 5
failover:
  mode: AUTO
persistence:
  directory: /tmp/wtc
credentials:
  users:
    - name: op
      role: operator
      password_env: WTC_TEST_OP_PASSWORD
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WTC_RPC_RETRIES", "4")
	t.Setenv("WTC_TEST_OP_PASSWORD", "clearwell")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fieldbus.DefaultCycleTime != 32*time.Millisecond || cfg.Fieldbus.MissThreshold != 5 {
		t.Errorf("fieldbus = %+v", cfg.Fieldbus)
	}
	if cfg.Failover.Mode != "AUTO" {
		t.Errorf("mode = %s", cfg.Failover.Mode)
	}
	if cfg.RPC.Retries != 4 {
		t.Errorf("environment override ignored: retries = %d", cfg.RPC.Retries)
	}
	if len(cfg.Credentials.Users) != 1 {
		t.Fatalf("users = %+v", cfg.Credentials.Users)
	}
	if pw, err := cfg.Credentials.Users[0].Password(); err != nil || pw != "clearwell" {
		t.Errorf("Password = %q, %v", pw, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"backend", "persistence:\n  backend: floppy\n"},
		{"mode", "failover:\n  mode: sometimes\n"},
		{"cycle", "fieldbus:\n  default_cycle_time: 5s\n"},
		{"user", "credentials:\n  users:\n    - name: op\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.doc), 0o644)
			if _, err := Load(path); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
