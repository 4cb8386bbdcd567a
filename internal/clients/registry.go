package clients

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/network"
)

// ErrFull is returned when no client id is available.
var ErrFull = errors.New("client registry is full")

// Registry tracks active clients by remote key and by id.
// Lookups are lock-free; creation and removal are serialised so both
// indexes always agree.
type Registry struct {
	mu         sync.Mutex
	byKey      *xsync.MapOf[string, *Client]
	byID       *xsync.MapOf[uint16, *Client]
	maxClients int
}

// NewRegistry creates a registry admitting at most maxClients clients.
// A non-positive limit admits one client per uint16 id.
func NewRegistry(maxClients int) *Registry {
	if maxClients <= 0 || maxClients > math.MaxUint16+1 {
		maxClients = math.MaxUint16 + 1
	}
	return &Registry{
		byKey:      xsync.NewMapOf[string, *Client](),
		byID:       xsync.NewMapOf[uint16, *Client](),
		maxClients: maxClients,
	}
}

// GetOrCreate returns the client of remote, creating it with the smallest
// free id on first contact.
func (r *Registry) GetOrCreate(remote network.Remote, now time.Time) (*Client, bool, error) {
	if c, ok := r.byKey.Load(remote.Key()); ok {
		return c, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byKey.Load(remote.Key()); ok {
		return c, false, nil
	}
	if r.byKey.Size() >= r.maxClients {
		return nil, false, ErrFull
	}

	id, ok := r.freeID()
	if !ok {
		return nil, false, ErrFull
	}

	c := newClient(id, remote, now)
	r.byID.Store(id, c)
	r.byKey.Store(remote.Key(), c)

	log.Debug().
		Uint16("client_id", id).
		Str("remote", remote.Key()).
		Msg("client registered")
	return c, true, nil
}

// freeID returns the smallest unused id. Must hold r.mu.
func (r *Registry) freeID() (uint16, bool) {
	for id := 0; id <= math.MaxUint16; id++ {
		if _, taken := r.byID.Load(uint16(id)); !taken {
			return uint16(id), true
		}
	}
	return 0, false
}

// Get returns the client registered for a remote key.
func (r *Registry) Get(key string) (*Client, bool) {
	return r.byKey.Load(key)
}

// GetByID returns the client with the given id.
func (r *Registry) GetByID(id uint16) (*Client, bool) {
	return r.byID.Load(id)
}

// Remove unregisters c. It reports false if c was not registered, so
// concurrent removals of the same client act once.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byKey.Load(c.Key())
	if !ok || current != c {
		return false
	}
	r.byKey.Delete(c.Key())
	r.byID.Delete(c.ID)

	log.Debug().
		Uint16("client_id", c.ID).
		Str("remote", c.Key()).
		Msg("client unregistered")
	return true
}

// All returns the registered clients ordered by id.
func (r *Registry) All() []*Client {
	out := make([]*Client, 0, r.byID.Size())
	r.byID.Range(func(_ uint16, c *Client) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int { return r.byKey.Size() }

// Stale returns the clients silent for at least timeout at now.
func (r *Registry) Stale(timeout time.Duration, now time.Time) []*Client {
	var stale []*Client
	r.byID.Range(func(_ uint16, c *Client) bool {
		if now.Sub(c.LastSeen()) >= timeout {
			stale = append(stale, c)
		}
		return true
	})
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}
