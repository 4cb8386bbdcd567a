// Package telemetry publishes relay status and client lifecycle events to
// an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus   = "status"
	TopicClients  = "clients"
	TopicPipeline = "pipeline"
	TopicAdmin    = "admin"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// StatusSource supplies the periodic status message.
type StatusSource interface {
	Stats() transport.Stats
}

// MQTTHandler publishes telemetry on the broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	status   StatusSource
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the broker in cfg.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, status StatusSource) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		status:   status,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpus":      sysInfo.LogicalCPUs,
			"memory_mb": sysInfo.TotalMemory,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("relay-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects, subscribes to the event bus and publishes status until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	interval := time.Duration(h.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.PublishStatus()
	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.PublishStatus()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeMany([]events.EventType{
		events.EventClientConnected,
		events.EventClientHandshaken,
		events.EventClientDisconnected,
		events.EventClientTimedOut,
	}, "mqtt.clients", h.onClientEvent)
	h.eventBus.SubscribeMany([]events.EventType{
		events.EventQueueShed,
		events.EventFragmentFailed,
	}, "mqtt.pipeline", h.onPipelineEvent)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range []events.EventType{
		events.EventClientConnected,
		events.EventClientHandshaken,
		events.EventClientDisconnected,
		events.EventClientTimedOut,
	} {
		h.eventBus.Unsubscribe(t, "mqtt.clients")
	}
	h.eventBus.Unsubscribe(events.EventQueueShed, "mqtt.pipeline")
	h.eventBus.Unsubscribe(events.EventFragmentFailed, "mqtt.pipeline")
}

// topic returns the full topic for suffix.
func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onClientEvent(_ context.Context, event events.Event) error {
	h.publish(TopicClients, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onPipelineEvent(_ context.Context, event events.Event) error {
	h.publish(TopicPipeline, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

// PublishStatus sends a snapshot of the pipeline.
func (h *MQTTHandler) PublishStatus() {
	if h.status == nil {
		return
	}
	s := h.status.Stats()
	h.publish(TopicStatus, map[string]interface{}{
		"clients":    s.Clients,
		"uptime_sec": int64(s.Uptime / time.Second),
		"ingress":    s.Ingress,
		"egress":     s.Egress,
		"fragments":  s.Fragments,
		"usage":      util.GetUsage(),
	})
}

// PublishShutdown announces that the relay is stopping.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
