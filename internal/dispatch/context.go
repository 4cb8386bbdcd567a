package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/network"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// Transport is the egress and re-injection surface handlers reply through.
type Transport interface {
	// Send frames payload and queues it for remote.
	Send(remote network.Remote, payload *protocol.Buffer, msgType protocol.MessageType, correlation uint16, level priority.Level) error
	// SendClient is Send addressed to a client.
	SendClient(c *clients.Client, payload *protocol.Buffer, msgType protocol.MessageType, correlation uint16, level priority.Level) error
	// Inject feeds a complete frame into ingress as if it had arrived at receivedAt.
	Inject(remote network.Remote, raw []byte, receivedAt time.Time)
	// Disconnect removes a client and closes its remote.
	Disconnect(c *clients.Client, reason string)
}

// Context is what a handler receives for one inbound frame. Payload holds the
// whole frame with its cursor just past the header.
type Context struct {
	Correlation uint16
	Type        protocol.MessageType
	Payload     *protocol.Buffer
	Client      *clients.Client
	Transport   Transport
	ReceivedAt  time.Time
}

// Reply sends payload back to the client with the frame's correlation id.
func (c *Context) Reply(payload *protocol.Buffer, msgType protocol.MessageType, level priority.Level) error {
	return c.Transport.SendClient(c.Client, payload, msgType, c.Correlation, level)
}

func (c *Context) clientID() uint16 {
	if c.Client == nil {
		return 0
	}
	return c.Client.ID
}

// HandlerPanic wraps a value recovered from a panicking handler.
type HandlerPanic struct {
	Value any
}

func (p *HandlerPanic) Error() string { return fmt.Sprintf("handler panicked: %v", p.Value) }

// Dispatch runs every handler registered for ctx.Type in order. The payload
// cursor is reset past the header before each handler. Handler errors and
// panics are logged and counted; they never stop the loop. It returns the
// number of handlers run and the number that failed.
func (t *Table) Dispatch(ctx *Context) (ran, failed int) {
	handlers := t.HandlersFor(ctx.Type)
	if len(handlers) == 0 {
		log.Debug().
			Str("type", ctx.Type.String()).
			Uint16("client_id", ctx.clientID()).
			Msg("no handler registered, dropping frame")
		return 0, 0
	}

	for i, h := range handlers {
		ctx.Payload.Seek(protocol.HeaderSize)
		if err := invoke(h, ctx); err != nil {
			failed++
			ev := log.Error()
			var p *HandlerPanic
			if errors.As(err, &p) {
				ev = ev.Interface("panic", p.Value)
			} else {
				ev = ev.Err(err)
			}
			ev.Str("type", ctx.Type.String()).
				Int("handler", i).
				Uint16("client_id", ctx.clientID()).
				Uint16("correlation", ctx.Correlation).
				Msg("handler failed")
		}
		ran++
	}
	return ran, failed
}

func invoke(h Handler, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanic{Value: r}
		}
	}()
	return h(ctx)
}
