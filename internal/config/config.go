// Package config handles configuration loading, validation, and persistence
// for the relay server.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultPort          = 23032
	DefaultAPIPort       = 23080
	DefaultMasterGateway = "http://127.0.0.1:53032"
)

// Config is the root configuration structure of the relay.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay     RelayConfig     `json:"relay"`
	Transport TransportConfig `json:"transport"`
	Master    MasterConfig    `json:"master"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Logging   LoggingConfig   `json:"logging"`
}

// RelayConfig holds the listener settings.
type RelayConfig struct {
	ListenAddress string `json:"listen_address"`
	Port          int    `json:"port"`
	EnableTCP     bool   `json:"enable_tcp"`
	EnableUDP     bool   `json:"enable_udp"`
	MaxClients    int    `json:"max_clients"`
	// SocketBufferKB sizes the kernel send and receive buffers; 0 keeps the OS default.
	SocketBufferKB int `json:"socket_buffer_kb"`
	// UseAddress is the address advertised to the master server; empty means
	// the listen address.
	UseAddress string `json:"use_address"`
}

// TransportConfig tunes the packet pipeline.
type TransportConfig struct {
	MaxPacketSize        int  `json:"max_packet_size"`
	MaxFragmentSize      int  `json:"max_fragment_size"`
	FragmentTimeoutSec   int  `json:"fragment_timeout_sec"`
	ConnectionTimeoutSec int  `json:"connection_timeout_sec"`
	KeepAliveIntervalSec int  `json:"keep_alive_interval_sec"`
	IngressQueueSize     int  `json:"ingress_queue_size"`
	EgressQueueSize      int  `json:"egress_queue_size"`
	Workers              int  `json:"workers"` // 0 = one per four logical CPUs
	IngressBudgetMs      int  `json:"ingress_budget_ms"`
	EgressBudgetMs       int  `json:"egress_budget_ms"`
	BudgetStrikes        int  `json:"budget_strikes"`
	SweepIntervalMs      int  `json:"sweep_interval_ms"`
	QueueingEnabled      bool `json:"queueing_enabled"`
}

// MasterConfig holds the master server connection settings. An empty
// gateway runs the relay offline.
type MasterConfig struct {
	Gateway              string `json:"gateway"`
	Token                string `json:"token"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
	MaxInstances         int    `json:"max_instances"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	IPWhitelist    []string `json:"ip_whitelist"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	// Token guards the control routes; empty leaves them open.
	Token string `json:"token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled            bool   `json:"enabled"`
	BrokerURL          string `json:"broker_url"`
	Port               int    `json:"port"`
	UseTLS             bool   `json:"use_tls"`
	ClientID           string `json:"client_id"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	TopicPrefix        string `json:"topic_prefix"`
	PublishIntervalSec int    `json:"publish_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddress: "0.0.0.0",
			Port:          DefaultPort,
			EnableTCP:     true,
			EnableUDP:     true,
		},
		Transport: TransportConfig{
			MaxPacketSize:        1024,
			MaxFragmentSize:      1013,
			FragmentTimeoutSec:   30,
			ConnectionTimeoutSec: 15,
			KeepAliveIntervalSec: 5,
			IngressQueueSize:     50000,
			EgressQueueSize:      50000,
			IngressBudgetMs:      50,
			EgressBudgetMs:       1000,
			BudgetStrikes:        3,
			SweepIntervalMs:      1000,
			QueueingEnabled:      true,
		},
		Master: MasterConfig{
			Gateway:              DefaultMasterGateway,
			HeartbeatIntervalSec: 10,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Port:               1883,
			TopicPrefix:        "relay",
			PublishIntervalSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetRelay returns a copy of the listener configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetTransport returns a copy of the pipeline configuration.
func (c *Config) GetTransport() TransportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transport
}

// GetMaster returns a copy of the master server configuration.
func (c *Config) GetMaster() MasterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Master
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// SetMaster updates the master server configuration.
func (c *Config) SetMaster(m MasterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Master = m
}

// Offline reports whether the relay runs without a master server.
func (m MasterConfig) Offline() bool { return m.Gateway == "" }

// HeartbeatInterval returns the heartbeat period.
func (m MasterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalSec) * time.Second
}

// AdvertisedAddress returns the host:port the master server should hand out.
func (r RelayConfig) AdvertisedAddress() string {
	host := r.UseAddress
	if host == "" {
		host = r.ListenAddress
	}
	return fmt.Sprintf("%s:%d", host, r.Port)
}

// ConnectionTimeout returns how long a silent client is kept.
func (t TransportConfig) ConnectionTimeout() time.Duration {
	return time.Duration(t.ConnectionTimeoutSec) * time.Second
}

// KeepAliveInterval returns how often clients are asked to ping.
func (t TransportConfig) KeepAliveInterval() time.Duration {
	return time.Duration(t.KeepAliveIntervalSec) * time.Second
}

// FragmentTimeout returns how long an idle fragment session is kept.
func (t TransportConfig) FragmentTimeout() time.Duration {
	return time.Duration(t.FragmentTimeoutSec) * time.Second
}

// IngressBudget returns the per-iteration ingress drain budget.
func (t TransportConfig) IngressBudget() time.Duration {
	return time.Duration(t.IngressBudgetMs) * time.Millisecond
}

// EgressBudget returns the per-iteration egress drain budget.
func (t TransportConfig) EgressBudget() time.Duration {
	return time.Duration(t.EgressBudgetMs) * time.Millisecond
}

// SweepInterval returns the idle sweep period.
func (t TransportConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalMs) * time.Millisecond
}

// BindAddress returns the host:port both listeners bind to.
func (r RelayConfig) BindAddress() string {
	return net.JoinHostPort(r.ListenAddress, strconv.Itoa(r.Port))
}

// SocketBufferSize returns the socket buffer size in bytes.
func (r RelayConfig) SocketBufferSize() int { return r.SocketBufferKB * 1024 }
