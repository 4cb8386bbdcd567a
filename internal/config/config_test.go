package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Relay.Port, DefaultPort)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := map[string]any{
		"relay":     map[string]any{"port": 40000},
		"transport": map[string]any{"max_packet_size": 1400},
	}
	data, _ := json.Marshal(partial)
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Port != 40000 || cfg.Transport.MaxPacketSize != 1400 {
		t.Errorf("file values not applied: port %d, max packet %d", cfg.Relay.Port, cfg.Transport.MaxPacketSize)
	}
	if cfg.Transport.ConnectionTimeoutSec != 15 || !cfg.Relay.EnableUDP {
		t.Error("defaults lost for fields missing from the file")
	}

	// The file is re-saved with the complete set of fields.
	saved, _ := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	var round map[string]map[string]any
	if err := json.Unmarshal(saved, &round); err != nil {
		t.Fatal(err)
	}
	if _, ok := round["transport"]["egress_budget_ms"]; !ok {
		t.Error("re-saved config is missing default fields")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{not json"), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}

func TestOverlayFromEnvironment(t *testing.T) {
	t.Setenv("NOX_PORT", "24000")
	t.Setenv("NOX_CONNECTION_TIMEOUT", "30")
	t.Setenv("NOX_MASTER_GATEWAY", "https://master.example.org")
	t.Setenv("NOX_TOKEN", "secret")
	t.Setenv("NOX_QUEUEING", "false")

	cfg := DefaultConfig()
	Overlay(cfg, NewEnv())

	if cfg.Relay.Port != 24000 {
		t.Errorf("Port = %d", cfg.Relay.Port)
	}
	if cfg.Transport.ConnectionTimeout() != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v", cfg.Transport.ConnectionTimeout())
	}
	if cfg.Master.Gateway != "https://master.example.org" || cfg.Master.Token != "secret" {
		t.Errorf("Master = %+v", cfg.Master)
	}
	if cfg.Transport.QueueingEnabled {
		t.Error("queueing should be disabled")
	}
	if cfg.Transport.KeepAliveIntervalSec != 5 {
		t.Error("unset key was overridden")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %v", result.Errors)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.Relay.Port = 0 }, "relay.port"},
		{"no listener", func(c *Config) { c.Relay.EnableTCP, c.Relay.EnableUDP = false, false }, "relay"},
		{"fragment too big", func(c *Config) { c.Transport.MaxFragmentSize = 1020 }, "transport.max_fragment_size"},
		{"packet too big", func(c *Config) { c.Transport.MaxPacketSize = 70000 }, "transport.max_packet_size"},
		{"zero strikes", func(c *Config) { c.Transport.BudgetStrikes = 0 }, "transport.budget_strikes"},
		{"bad gateway", func(c *Config) { c.Master.Gateway = "ftp://x" }, "master.gateway"},
		{"api conflict", func(c *Config) { c.API.Port = c.Relay.Port }, "api.port"},
		{"bad whitelist", func(c *Config) { c.API.IPWhitelist = []string{"10.0.0.0/33"} }, "api.ip_whitelist"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			for _, e := range result.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Errorf("no error on %s, got %v", tt.field, result.Errors)
		})
	}
}

func TestOfflineMasterWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Master.Gateway = ""
	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("offline config invalid: %v", result.Errors)
	}
	if !cfg.Master.Offline() {
		t.Error("Offline() = false")
	}
}

func TestAdvertisedAddress(t *testing.T) {
	r := RelayConfig{ListenAddress: "0.0.0.0", Port: 23032}
	if got := r.AdvertisedAddress(); got != "0.0.0.0:23032" {
		t.Errorf("AdvertisedAddress = %s", got)
	}
	r.UseAddress = "relay.example.org"
	if got := r.AdvertisedAddress(); got != "relay.example.org:23032" {
		t.Errorf("AdvertisedAddress = %s", got)
	}
}
