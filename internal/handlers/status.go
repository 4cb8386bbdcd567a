package handlers

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

const (
	statusSummarySize = 14
	statusEntrySize   = 7
	statusTrailerSize = 2
)

// Client flags in a status entry.
const (
	statusHandshaken uint8 = 1 << 0
	statusStream     uint8 = 1 << 1
)

// Status serves the relay state in pages sized to one packet.
//
// Request:  {page:1}
// Response: {clients:2, ingress_depth:4, egress_depth:4, uptime_sec:4,
//
//	entries:1, entries * {client_id:2, flags:1, connected_sec:4},
//	page:1, pages:1}
func Status(deps Deps) dispatch.Module {
	return func(t *dispatch.Table) {
		t.SetMinimumPriority(protocol.MsgStatus, priority.Normal)
		t.Register(protocol.MsgStatus, func(c *dispatch.Context) error {
			if !c.Client.Handshaken() || deps.Status == nil {
				return nil
			}
			page := c.Payload.ReadUint8()
			log.Debug().Uint16("client_id", c.Client.ID).Uint8("page", page).Msg("status requested")

			perPage := deps.Config.GetTransport().MaxPacketSize -
				protocol.HeaderSize - statusSummarySize - statusTrailerSize
			pages := statusPages(deps.Status.Clients().All(), perPage, time.Now())

			stats := deps.Status.Stats()
			out := protocol.NewBuffer(0)
			out.WriteUint16(uint16(min(stats.Clients, math.MaxUint16)))
			out.WriteUint32(uint32(stats.Ingress.Count))
			out.WriteUint32(uint32(stats.Egress.Count))
			out.WriteUint32(uint32(stats.Uptime / time.Second))
			if int(page) < len(pages) {
				out.WriteBuffer(pages[page])
			} else {
				out.WriteUint8(0)
			}
			out.WriteUint8(page)
			out.WriteUint8(uint8(len(pages)))
			return c.Reply(out, protocol.MsgStatus, priority.Normal)
		})
	}
}

// statusPages packs client entries into pages of at most bytesPerPage
// bytes, each led by its entry count. No clients means no pages.
func statusPages(all []*clients.Client, bytesPerPage int, now time.Time) []*protocol.Buffer {
	var pages []*protocol.Buffer
	var cur *protocol.Buffer
	n := 0

	flush := func() {
		if cur == nil {
			return
		}
		end := cur.Offset()
		cur.Seek(0)
		cur.WriteUint8(uint8(n))
		cur.Seek(end)
		pages = append(pages, cur)
		cur, n = nil, 0
	}

	for _, c := range all {
		if cur != nil && (1+(n+1)*statusEntrySize > bytesPerPage || n == math.MaxUint8) {
			flush()
		}
		if len(pages) == math.MaxUint8 {
			break
		}
		if cur == nil {
			cur = protocol.NewBuffer(max(bytesPerPage, 1+statusEntrySize))
			cur.Skip(1)
		}
		var flags uint8
		if c.Handshaken() {
			flags |= statusHandshaken
		}
		if c.Remote().Transport() == "tcp" {
			flags |= statusStream
		}
		cur.WriteUint16(c.ID)
		cur.WriteUint8(flags)
		cur.WriteUint32(uint32(now.Sub(c.ConnectedAt()) / time.Second))
		n++
	}
	flush()
	return pages
}
