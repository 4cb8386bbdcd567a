package handlers

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// Latency echoes the client's timestamp next to the server clock, both in
// unix milliseconds. Only handshaken clients are answered.
func Latency() dispatch.Module {
	return func(t *dispatch.Table) {
		t.SetMinimumPriority(protocol.MsgLatency, priority.High)
		t.Register(protocol.MsgLatency, func(c *dispatch.Context) error {
			if !c.Client.Handshaken() {
				return nil
			}
			out := protocol.NewBuffer(16)
			out.WriteTime(c.Payload.ReadTime())
			out.WriteTime(time.Now())
			return c.Reply(out, protocol.MsgLatency, priority.High)
		})
	}
}

// Disconnect ends a handshaken client's session at its request. An
// optional reason string is logged and echoed back.
func Disconnect() dispatch.Module {
	return func(t *dispatch.Table) {
		t.SetMinimumPriority(protocol.MsgDisconnect, priority.Critical)
		t.Register(protocol.MsgDisconnect, func(c *dispatch.Context) error {
			if !c.Client.Handshaken() {
				return nil
			}
			var reason string
			if c.Payload.Remaining() > 0 {
				reason = c.Payload.ReadString()
				log.Warn().Uint16("client_id", c.Client.ID).Str("reason", reason).Msg("client disconnected")
			}
			c.Transport.Disconnect(c.Client, reason)
			return nil
		})
	}
}

// Reliable unpacks a batch of frames and feeds each back into ingress.
//
// Payload: {count:1, count * {length:2, frame...}}
func Reliable() dispatch.Module {
	return func(t *dispatch.Table) {
		t.SetMinimumPriority(protocol.MsgReliable, priority.Critical)
		t.Register(protocol.MsgReliable, func(c *dispatch.Context) error {
			count := int(c.Payload.ReadUint8())
			for i := 0; i < count; i++ {
				n := int(c.Payload.ReadUint16())
				raw := c.Payload.ReadBytes(n)
				if raw == nil {
					log.Debug().
						Uint16("client_id", c.Client.ID).
						Int("index", i).
						Int("count", count).
						Msg("truncated reliable batch")
					return nil
				}
				c.Transport.Inject(c.Client.Remote(), raw, c.ReceivedAt)
			}
			return nil
		})
	}
}
