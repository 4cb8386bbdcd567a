package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/energizer-project/relay/internal/protocol"
)

// fragmentOverhead is the header plus FragmentData prefix around a segment.
const fragmentOverhead = protocol.HeaderSize + 6

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateRelay(&cfg.Relay, result)
	validateTransport(&cfg.Transport, result)
	validateMaster(&cfg.Master, result)
	validateServices(cfg, result)

	return result
}

func validateRelay(r *RelayConfig, result *ValidationResult) {
	validatePort(r.Port, "relay.port", result)

	if !r.EnableTCP && !r.EnableUDP {
		result.AddError("relay", "at least one of enable_tcp and enable_udp must be set")
	}
	if r.ListenAddress != "" && net.ParseIP(r.ListenAddress) == nil {
		result.AddError("relay.listen_address", fmt.Sprintf("not an IP address: %s", r.ListenAddress))
	}
	if r.MaxClients < 0 || r.MaxClients > 65536 {
		result.AddError("relay.max_clients", "must be between 0 (unlimited) and 65536")
	}
	if r.UseAddress == "" && (r.ListenAddress == "0.0.0.0" || r.ListenAddress == "::") {
		result.AddWarning("relay.use_address",
			"listening on all interfaces without use_address, the master server will advertise an unroutable address")
	}
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	if t.MaxPacketSize < protocol.HeaderSize+fragmentOverhead || t.MaxPacketSize > protocol.MaxFrameSize {
		result.AddError("transport.max_packet_size",
			fmt.Sprintf("must be between %d and %d", protocol.HeaderSize+fragmentOverhead, protocol.MaxFrameSize))
	}
	if t.MaxFragmentSize < 1 {
		result.AddError("transport.max_fragment_size", "must be at least 1")
	} else if t.MaxFragmentSize+fragmentOverhead > t.MaxPacketSize {
		result.AddError("transport.max_fragment_size",
			fmt.Sprintf("fragment frames of %d bytes exceed max_packet_size %d",
				t.MaxFragmentSize+fragmentOverhead, t.MaxPacketSize))
	}

	if t.ConnectionTimeoutSec < 1 {
		result.AddError("transport.connection_timeout_sec", "must be at least 1 second")
	}
	if t.FragmentTimeoutSec < 1 {
		result.AddError("transport.fragment_timeout_sec", "must be at least 1 second")
	}
	if t.KeepAliveIntervalSec < 1 {
		result.AddError("transport.keep_alive_interval_sec", "must be at least 1 second")
	} else if t.KeepAliveIntervalSec >= t.ConnectionTimeoutSec {
		result.AddWarning("transport.keep_alive_interval_sec",
			"keep-alive interval should be shorter than the connection timeout or idle clients will be dropped")
	}

	if t.IngressQueueSize < 1 {
		result.AddError("transport.ingress_queue_size", "must be at least 1")
	}
	if t.EgressQueueSize < 1 {
		result.AddError("transport.egress_queue_size", "must be at least 1")
	}
	if t.Workers < 0 {
		result.AddError("transport.workers", "must be 0 (auto) or positive")
	}
	if t.IngressBudgetMs < 1 {
		result.AddError("transport.ingress_budget_ms", "must be at least 1")
	}
	if t.EgressBudgetMs < 1 {
		result.AddError("transport.egress_budget_ms", "must be at least 1")
	}
	if t.BudgetStrikes < 1 {
		result.AddError("transport.budget_strikes", "must be at least 1")
	}
	if t.SweepIntervalMs < 10 {
		result.AddError("transport.sweep_interval_ms", "must be at least 10")
	}
	if !t.QueueingEnabled {
		result.AddWarning("transport.queueing_enabled",
			"queueing disabled, frames are dispatched on the socket goroutines without priority ordering")
	}
}

func validateMaster(m *MasterConfig, result *ValidationResult) {
	if m.Offline() {
		result.AddWarning("master.gateway", "no master gateway configured, running offline")
		return
	}
	u, err := url.Parse(m.Gateway)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		result.AddError("master.gateway", fmt.Sprintf("invalid gateway URL: %s", m.Gateway))
	}
	if strings.TrimSpace(m.Token) == "" {
		result.AddWarning("master.token", "no token configured, the master server may reject heartbeats")
	}
	if m.HeartbeatIntervalSec < 1 {
		result.AddError("master.heartbeat_interval_sec", "must be at least 1 second")
	}
	if m.MaxInstances < 0 {
		result.AddError("master.max_instances", "must not be negative")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.Relay.EnableTCP && cfg.API.Port == cfg.Relay.Port {
			result.AddError("api.port", "port conflict with the relay TCP listener")
		}
		for _, entry := range cfg.API.IPWhitelist {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					result.AddError("api.ip_whitelist", fmt.Sprintf("%q is neither an IP nor a CIDR range", entry))
				}
			}
		}
		if cfg.API.Token == "" {
			result.AddWarning("api.token", "no API token set, client kicks are unauthenticated")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.PublishIntervalSec < 1 {
			result.AddError("mqtt.publish_interval_sec", "must be at least 1 second")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, using info", cfg.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
