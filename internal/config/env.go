package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NOX_PORT.
const EnvPrefix = "nox"

// Override keys. Environment variables use the upper-cased key with dashes
// replaced by underscores; command line flags use the key as is.
const (
	KeyPort              = "port"
	KeyConnectionTimeout = "connection-timeout"
	KeyKeepAlive         = "keep-alive-interval"
	KeyMasterGateway     = "master-gateway"
	KeyToken             = "token"
	KeyMaxInstances      = "max-instances"
	KeyUseAddress        = "use-address"
	KeyMaxPacketSize     = "max-packet-size"
	KeyWorkers           = "workers"
	KeyQueueing          = "queueing"
	KeyAPIPort           = "api-port"
	KeyLogLevel          = "log-level"
)

// NewEnv loads .env files and returns a viper instance reading NOX_*
// variables. Callers may bind command line flags to it before Overlay.
func NewEnv() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Overlay applies every key set in v on top of cfg. Overridden values are
// not written back to the config file.
func Overlay(cfg *Config, v *viper.Viper) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	applied := make([]string, 0, 4)
	set := func(key string, apply func()) {
		if v.IsSet(key) {
			apply()
			applied = append(applied, key)
		}
	}

	set(KeyPort, func() { cfg.Relay.Port = v.GetInt(KeyPort) })
	set(KeyUseAddress, func() { cfg.Relay.UseAddress = v.GetString(KeyUseAddress) })
	set(KeyConnectionTimeout, func() { cfg.Transport.ConnectionTimeoutSec = v.GetInt(KeyConnectionTimeout) })
	set(KeyKeepAlive, func() { cfg.Transport.KeepAliveIntervalSec = v.GetInt(KeyKeepAlive) })
	set(KeyMaxPacketSize, func() { cfg.Transport.MaxPacketSize = v.GetInt(KeyMaxPacketSize) })
	set(KeyWorkers, func() { cfg.Transport.Workers = v.GetInt(KeyWorkers) })
	set(KeyQueueing, func() { cfg.Transport.QueueingEnabled = v.GetBool(KeyQueueing) })
	set(KeyMasterGateway, func() { cfg.Master.Gateway = v.GetString(KeyMasterGateway) })
	set(KeyToken, func() { cfg.Master.Token = v.GetString(KeyToken) })
	set(KeyMaxInstances, func() { cfg.Master.MaxInstances = v.GetInt(KeyMaxInstances) })
	set(KeyAPIPort, func() { cfg.API.Port = v.GetInt(KeyAPIPort) })
	set(KeyLogLevel, func() { cfg.Logging.Level = v.GetString(KeyLogLevel) })

	if len(applied) > 0 {
		log.Info().Strs("keys", applied).Msg("configuration overridden from environment")
	}
}
