// Package connector keeps the relay registered with its master server.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/events"
)

const (
	updatePath     = "/api/relays/update"
	requestTimeout = 2 * time.Second
	authScheme     = "Badger"
)

// ClientLister lists the connected clients.
type ClientLister interface {
	All() []*clients.Client
}

// UpdateRequest is the heartbeat body.
type UpdateRequest struct {
	Port         int            `json:"port"`
	UseAddress   string         `json:"use_address"`
	MaxInstances int            `json:"max_instances"`
	Clients      []UpdateClient `json:"clients"`
}

// UpdateClient describes one connected client.
type UpdateClient struct {
	ID       uint16 `json:"id"`
	Remote   string `json:"remote"`
	Platform string `json:"platform"`
	Engine   string `json:"engine"`
	LastSeen int64  `json:"last_seen"`
}

// ResponseError is the error object of a master response.
type ResponseError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Status  int    `json:"status"`
}

type updateResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *ResponseError  `json:"error"`
}

// MasterConnector posts periodic updates to the master server.
type MasterConnector struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.EventBus
	clients  ClientLister
	client   *http.Client

	connected  bool
	lastUpdate time.Time
	lastError  string
	wake       chan struct{}
}

// NewMasterConnector creates a connector reporting the clients of lister.
func NewMasterConnector(cfg *config.Config, eventBus *events.EventBus, lister ClientLister) *MasterConnector {
	return &MasterConnector{
		cfg:      cfg,
		eventBus: eventBus,
		clients:  lister,
		client:   &http.Client{Timeout: requestTimeout},
		wake:     make(chan struct{}, 1),
	}
}

// Run sends an update immediately, then every heartbeat interval and after
// client lifecycle events, until ctx is cancelled. It returns at once when
// the relay runs offline.
func (c *MasterConnector) Run(ctx context.Context) error {
	master := c.cfg.GetMaster()
	if master.Offline() {
		log.Info().Msg("no master gateway configured, running offline")
		return nil
	}

	lifecycle := []events.EventType{events.EventClientHandshaken, events.EventClientDisconnected}
	c.eventBus.SubscribeMany(lifecycle, "master.update", func(context.Context, events.Event) error {
		c.UpdateNow()
		return nil
	})
	defer func() {
		for _, t := range lifecycle {
			c.eventBus.Unsubscribe(t, "master.update")
		}
	}()

	interval := master.HeartbeatInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("gateway", master.Gateway).Dur("interval", interval).Msg("master connector started")
	c.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.wake:
		}
		c.update(ctx)
	}
}

// UpdateNow schedules an update without waiting for the next tick.
func (c *MasterConnector) UpdateNow() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the last update succeeded.
func (c *MasterConnector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Status is a snapshot of the connector for the status API.
type Status struct {
	Gateway    string    `json:"gateway"`
	Connected  bool      `json:"connected"`
	LastUpdate time.Time `json:"last_update"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status returns the connector state.
func (c *MasterConnector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Gateway:    c.cfg.GetMaster().Gateway,
		Connected:  c.connected,
		LastUpdate: c.lastUpdate,
		LastError:  c.lastError,
	}
}

func (c *MasterConnector) update(ctx context.Context) {
	err := c.SendUpdate(ctx)

	c.mu.Lock()
	was := c.connected
	c.connected = err == nil
	c.lastUpdate = time.Now()
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	switch {
	case err != nil && was:
		log.Warn().Err(err).Msg("disconnected from the master server")
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventMasterUnreachable,
			Source:  "master",
			Payload: map[string]string{"error": err.Error()},
		})
	case err != nil:
		log.Debug().Err(err).Msg("master update failed")
	case !was:
		log.Info().Str("gateway", c.cfg.GetMaster().Gateway).Msg("connected to the master server")
	}
}

// BuildUpdate assembles the heartbeat body from the current clients.
func (c *MasterConnector) BuildUpdate() UpdateRequest {
	relay := c.cfg.GetRelay()
	req := UpdateRequest{
		Port:         relay.Port,
		UseAddress:   relay.UseAddress,
		MaxInstances: c.cfg.GetMaster().MaxInstances,
		Clients:      []UpdateClient{},
	}
	for _, cl := range c.clients.All() {
		info := cl.Info()
		req.Clients = append(req.Clients, UpdateClient{
			ID:       info.ID,
			Remote:   info.Remote,
			Platform: strings.ToLower(info.Platform),
			Engine:   strings.ToLower(info.Engine),
			LastSeen: info.LastSeen.UnixMilli(),
		})
	}
	return req
}

// SendUpdate posts one heartbeat.
func (c *MasterConnector) SendUpdate(ctx context.Context) error {
	master := c.cfg.GetMaster()
	body, err := json.Marshal(c.BuildUpdate())
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	url := strings.TrimRight(master.Gateway, "/") + updatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authScheme+" "+master.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read update response: %w", err)
	}

	var parsed updateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("invalid response from master server (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("master server error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update returned status %d", resp.StatusCode)
	}
	return nil
}
