package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// UDPListener treats every datagram as one frame. Peers share the socket
// and are tracked by address until their Remote is closed.
type UDPListener struct {
	addr  string
	sink  Sink
	opts  ListenerOptions
	conn  *net.UDPConn
	peers *xsync.MapOf[string, *udpRemote]
}

// NewUDPListener creates a listener for addr delivering frames to sink.
func NewUDPListener(addr string, sink Sink, opts ListenerOptions) *UDPListener {
	return &UDPListener{
		addr:  addr,
		sink:  sink,
		opts:  opts,
		peers: xsync.NewMapOf[string, *udpRemote](),
	}
}

// Listen binds the socket.
func (l *UDPListener) Listen(ctx context.Context) error {
	lc := listenConfig(l.opts.SocketBuffer)
	pc, err := lc.ListenPacket(ctx, "udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener on %s: %w", l.addr, err)
	}
	l.conn = pc.(*net.UDPConn)
	log.Info().Str("addr", l.conn.LocalAddr().String()).Msg("UDP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and serves until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve reads datagrams until ctx is cancelled.
func (l *UDPListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, l.opts.maxFrame())
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("UDP listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("UDP read error")
			continue
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.sink.OnBytes(l.peer(addr), frame)
	}
}

func (l *UDPListener) peer(addr *net.UDPAddr) *udpRemote {
	key := remoteKey("udp", addr)
	r, _ := l.peers.LoadOrCompute(key, func() *udpRemote {
		return &udpRemote{conn: l.conn, addr: addr, key: key, forget: l.forget}
	})
	return r
}

// forget drops r unless its address has since been taken by a new peer.
func (l *UDPListener) forget(r *udpRemote) {
	l.peers.Compute(r.key, func(old *udpRemote, loaded bool) (*udpRemote, bool) {
		return old, !loaded || old == r
	})
}

// Peers returns the number of addresses currently tracked.
func (l *UDPListener) Peers() int { return l.peers.Size() }

// Stop closes the socket.
func (l *UDPListener) Stop() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
