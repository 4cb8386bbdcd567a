package handlers

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// Handshake answers the first message of a client with the session
// parameters. Clients speaking another protocol version are ignored.
//
// Request:  {version:2, engine:string, platform:string}
// Response: {version:2, client_id:2, ip_len:1, ip:4|16, port:2, flags:1, [master:string],
//
//	max_packet_size:2, connection_timeout:2, keep_alive_interval:2}
func Handshake(deps Deps) dispatch.Module {
	return func(t *dispatch.Table) {
		t.SetMinimumPriority(protocol.MsgHandshake, priority.Critical)
		t.Register(protocol.MsgHandshake, func(c *dispatch.Context) error {
			return onHandshake(deps, c)
		})
	}
}

func onHandshake(deps Deps, c *dispatch.Context) error {
	version := c.Payload.ReadUint16()
	if version != protocol.ProtocolVersion {
		log.Debug().
			Uint16("client_id", c.Client.ID).
			Uint16("version", version).
			Uint16("expected", protocol.ProtocolVersion).
			Msg("incompatible handshake")
		return nil
	}

	engine := c.Payload.ReadString()
	platform := c.Payload.ReadString()
	c.Client.CompleteHandshake(engine, platform)

	tc := deps.Config.GetTransport()
	master := deps.Config.GetMaster()

	out := protocol.NewBuffer(0)
	out.WriteUint16(protocol.ProtocolVersion)
	out.WriteUint16(c.Client.ID)
	ip, port := hostPort(c.Client.Addr())
	out.WriteUint8(uint8(len(ip)))
	out.WriteBytes(ip)
	out.WriteUint16(port)

	flags := protocol.HandshakeNone
	if master.Offline() {
		flags |= protocol.HandshakeIsOffline
	}
	out.WriteEnum(uint32(flags), protocol.HandshakeFlagsWidth)
	if !master.Offline() {
		out.WriteString(master.Gateway)
	}

	out.WriteUint16(uint16(tc.MaxPacketSize))
	out.WriteUint16(uint16(tc.ConnectionTimeoutSec))
	out.WriteUint16(uint16(tc.KeepAliveIntervalSec))

	if err := c.Reply(out, protocol.MsgHandshake, priority.Critical); err != nil {
		return err
	}

	info := c.Client.Info()
	log.Debug().
		Uint16("client_id", info.ID).
		Str("engine", engine).
		Str("platform", platform).
		Msg("client handshake")
	emit(deps.Bus, events.EventClientHandshaken, events.ClientPayload{
		ClientID:  info.ID,
		Remote:    info.Remote,
		Transport: info.Transport,
		Engine:    engine,
		Platform:  platform,
		At:        time.Now(),
	})
	return nil
}

// hostPort returns the IP bytes, 4 for IPv4, and port of addr.
func hostPort(addr net.Addr) ([]byte, uint16) {
	var ip net.IP
	var port int
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	default:
		return net.IPv4zero.To4(), 0
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, uint16(port)
	}
	return ip.To16(), uint16(port)
}
