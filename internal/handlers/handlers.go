// Package handlers holds the protocol modules every relay registers:
// handshake, latency checks, disconnects, reliable batches, fragment
// reassembly and status pages.
package handlers

import (
	"context"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/transport"
)

// StatusSource reports the state served by status pages.
type StatusSource interface {
	Stats() transport.Stats
	Clients() *clients.Registry
}

// Deps are shared by the modules.
type Deps struct {
	Config      *config.Config
	Reassembler *fragment.Reassembler
	Bus         *events.EventBus
	Status      StatusSource
}

// Modules returns every built-in module bound to deps.
func Modules(deps Deps) []dispatch.Module {
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.Reassembler == nil {
		deps.Reassembler = fragment.NewReassembler(deps.Config.GetTransport().FragmentTimeout())
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus()
	}
	return []dispatch.Module{
		Handshake(deps),
		Latency(),
		Disconnect(),
		Reliable(),
		Fragments(deps),
		Status(deps),
	}
}

// RegisterAll installs every built-in module on t.
func RegisterAll(t *dispatch.Table, deps Deps) {
	for _, m := range Modules(deps) {
		m(t)
	}
}

func emit(bus *events.EventBus, t events.EventType, payload any) {
	bus.Emit(context.Background(), events.Event{Type: t, Source: "handlers", Payload: payload})
}
