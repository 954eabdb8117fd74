package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Port != 8080 {
		t.Errorf("gateway.port = %d, want 8080", cfg.Gateway.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Bus.Prefix != "kiosk" {
		t.Errorf("bus.prefix = %q, want kiosk", cfg.Bus.Prefix)
	}
	if cfg.Session.AttractTimeout != 5*time.Second {
		t.Errorf("session.attract_timeout = %v, want 5s", cfg.Session.AttractTimeout)
	}
	if cfg.Session.IdleTimeout != 30*time.Second {
		t.Errorf("session.idle_timeout = %v, want 30s", cfg.Session.IdleTimeout)
	}
	if cfg.Synth.GridMax != 9 {
		t.Errorf("synth.grid_max = %d, want 9", cfg.Synth.GridMax)
	}
}

func TestLoad_AgentDefaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		service string
		timeout time.Duration
		retries int
	}{
		{ServiceHardware, time.Second, 2},
		{ServiceMenu, 2 * time.Second, 2},
		{ServiceRecsys, 2 * time.Second, 2},
		{ServicePayment, 30 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			ac := cfg.Agent(tt.service)
			if ac.Timeout != tt.timeout {
				t.Errorf("timeout = %v, want %v", ac.Timeout, tt.timeout)
			}
			if ac.MaxAttempts != tt.retries {
				t.Errorf("max_attempts = %d, want %d", ac.MaxAttempts, tt.retries)
			}
			if ac.Breaker.Threshold != 5 {
				t.Errorf("breaker.threshold = %d, want 5", ac.Breaker.Threshold)
			}
		})
	}
}

func TestAgent_PaymentNeverRetries(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{
		ServicePayment: {MaxAttempts: 4},
	}}
	if got := cfg.Agent(ServicePayment).MaxAttempts; got != 1 {
		t.Errorf("payment max_attempts = %d, want 1", got)
	}
}

func TestAgent_FillsMissingFields(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{
		ServiceMenu: {Timeout: 500 * time.Millisecond},
	}}
	ac := cfg.Agent(ServiceMenu)
	if ac.Timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", ac.Timeout)
	}
	if ac.Breaker.Cooldown != 30*time.Second {
		t.Errorf("breaker.cooldown = %v, want 30s", ac.Breaker.Cooldown)
	}
}

func TestLoad_FromFile(t *testing.T) {
	Reset()
	defer Reset()

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	content := `
gateway:
  port: 9000
bus:
  driver: memory
session:
  idle_timeout: 45s
agents:
  menu:
    timeout: 1500ms
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Port != 9000 {
		t.Errorf("gateway.port = %d, want 9000", cfg.Gateway.Port)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("bus.driver = %q, want memory", cfg.Bus.Driver)
	}
	if cfg.Session.IdleTimeout != 45*time.Second {
		t.Errorf("session.idle_timeout = %v, want 45s", cfg.Session.IdleTimeout)
	}
	if got := cfg.Agent(ServiceMenu).Timeout; got != 1500*time.Millisecond {
		t.Errorf("agents.menu.timeout = %v, want 1.5s", got)
	}
	// 未在文件中指定的值使用默认值
	if cfg.Session.AttractTimeout != 5*time.Second {
		t.Errorf("session.attract_timeout = %v, want default 5s", cfg.Session.AttractTimeout)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("KIOSK_GATEWAY_PORT", "7777")
	t.Setenv("KIOSK_STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Port != 7777 {
		t.Errorf("gateway.port = %d, want 7777", cfg.Gateway.Port)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("storage.driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestLoad_UnsupportedDriver(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("KIOSK_STORAGE_DRIVER", "postgres")

	if _, err := Load(""); err == nil {
		t.Error("expected error for unsupported storage driver")
	}
}

func TestSetAndSave(t *testing.T) {
	Reset()
	defer Reset()

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if _, err := Load(configFile); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := Set("session.kiosk_id", "lobby-2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	Reset()
	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if cfg.Session.KioskID != "lobby-2" {
		t.Errorf("persisted session.kiosk_id = %q, want lobby-2", cfg.Session.KioskID)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("gateway:\n  port: [invalid\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for nonexistent file: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("gateway.port = %d, want default 8080", cfg.Gateway.Port)
	}
}

func TestSave_WithoutPath(t *testing.T) {
	Reset()
	defer Reset()

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Save(); err == nil {
		t.Error("Save should fail without config path")
	}
}

func TestGetConfig(t *testing.T) {
	Reset()
	defer Reset()

	if GetConfig() != nil {
		t.Error("GetConfig should return nil before Load")
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if GetConfig() == nil {
		t.Fatal("GetConfig returned nil after Load")
	}
	if GetString("bus.prefix") != "kiosk" {
		t.Errorf("GetString(bus.prefix) = %q", GetString("bus.prefix"))
	}
}
