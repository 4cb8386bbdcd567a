// Package network implements the socket adapters feeding the relay pipeline:
// a TCP listener cutting the byte stream into frames and a UDP listener
// treating every datagram as one frame. Both expose peers as a Remote.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energizer-project/relay/internal/protocol"
)

// WriteTimeout bounds a single send on a stream connection.
const WriteTimeout = 10 * time.Second

// ErrClosed is returned when sending to a remote that has been closed.
var ErrClosed = errors.New("remote is closed")

// Remote is a peer the relay can send frames to. Key is stable for the
// lifetime of the peer and unique across transports. A closed Remote never
// reopens; a peer that comes back is handed out as a new Remote.
type Remote interface {
	Send(frame []byte) error
	Key() string
	Addr() net.Addr
	Transport() string
	Close() error
	Closed() bool
}

// Sink receives raw frames read from the network. OnBytes takes ownership
// of raw. OnClose is called once when a stream peer goes away.
type Sink interface {
	OnBytes(remote Remote, raw []byte)
	OnClose(remote Remote)
}

func remoteKey(transport string, addr net.Addr) string {
	return transport + "://" + addr.String()
}

// tcpRemote is one accepted stream connection.
type tcpRemote struct {
	mu     sync.Mutex
	conn   net.Conn
	key    string
	closed atomic.Bool
}

func newTCPRemote(conn net.Conn) *tcpRemote {
	return &tcpRemote{conn: conn, key: remoteKey("tcp", conn.RemoteAddr())}
}

func (r *tcpRemote) Send(frame []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := protocol.WriteFrame(r.conn, frame); err != nil {
		return fmt.Errorf("tcp send to %s: %w", r.key, err)
	}
	return nil
}

func (r *tcpRemote) Key() string       { return r.key }
func (r *tcpRemote) Addr() net.Addr    { return r.conn.RemoteAddr() }
func (r *tcpRemote) Transport() string { return "tcp" }

func (r *tcpRemote) Closed() bool { return r.closed.Load() }

func (r *tcpRemote) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.conn.Close()
}

// udpRemote is a peer address on the shared UDP socket. Closing it only
// forgets the peer; the socket stays open.
type udpRemote struct {
	conn   *net.UDPConn
	addr   *net.UDPAddr
	key    string
	closed atomic.Bool
	forget func(r *udpRemote)
}

func (r *udpRemote) Send(frame []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if _, err := r.conn.WriteToUDP(frame, r.addr); err != nil {
		return fmt.Errorf("udp send to %s: %w", r.key, err)
	}
	return nil
}

func (r *udpRemote) Key() string       { return r.key }
func (r *udpRemote) Addr() net.Addr    { return r.addr }
func (r *udpRemote) Transport() string { return "udp" }

func (r *udpRemote) Closed() bool { return r.closed.Load() }

func (r *udpRemote) Close() error {
	if r.closed.CompareAndSwap(false, true) && r.forget != nil {
		r.forget(r)
	}
	return nil
}
