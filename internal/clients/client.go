// Package clients tracks the per-remote sessions of the relay. A session is
// created by the first frame a remote sends and removed by an explicit
// disconnect or when it stays silent past the connection timeout.
package clients

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energizer-project/relay/internal/network"
)

// Client is the session object of one remote.
type Client struct {
	ID     uint16
	remote network.Remote

	connectedAt time.Time
	lastSeen    atomic.Int64
	handshaken  atomic.Bool

	mu       sync.RWMutex
	engine   string
	platform string
}

func newClient(id uint16, remote network.Remote, now time.Time) *Client {
	c := &Client{ID: id, remote: remote, connectedAt: now}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Remote returns the peer this client talks through.
func (c *Client) Remote() network.Remote { return c.remote }

// Key returns the registry key of the client.
func (c *Client) Key() string { return c.remote.Key() }

// Addr returns the remote address.
func (c *Client) Addr() net.Addr { return c.remote.Addr() }

// Touch records activity at now.
func (c *Client) Touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen returns the time of the last frame received from the client.
func (c *Client) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// ConnectedAt returns when the session was created.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Handshaken reports whether the client completed the handshake.
func (c *Client) Handshaken() bool { return c.handshaken.Load() }

// CompleteHandshake stores the client's self-description and marks it
// handshaken.
func (c *Client) CompleteHandshake(engine, platform string) {
	c.mu.Lock()
	c.engine = engine
	c.platform = platform
	c.mu.Unlock()
	c.handshaken.Store(true)
}

// Engine returns the engine string sent in the handshake.
func (c *Client) Engine() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Platform returns the platform string sent in the handshake.
func (c *Client) Platform() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.platform
}

// Info is a JSON-friendly snapshot of a client.
type Info struct {
	ID          uint16    `json:"id"`
	Remote      string    `json:"remote"`
	Transport   string    `json:"transport"`
	Engine      string    `json:"engine,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Handshaken  bool      `json:"handshaken"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Info returns a snapshot of the client.
func (c *Client) Info() Info {
	return Info{
		ID:          c.ID,
		Remote:      c.remote.Addr().String(),
		Transport:   c.remote.Transport(),
		Engine:      c.Engine(),
		Platform:    c.Platform(),
		Handshaken:  c.Handshaken(),
		ConnectedAt: c.connectedAt,
		LastSeen:    c.LastSeen(),
	}
}
