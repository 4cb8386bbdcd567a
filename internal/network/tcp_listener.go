package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/protocol"
)

// ListenerOptions tunes both listeners.
type ListenerOptions struct {
	// MaxFrameSize caps a single inbound frame. Zero allows the protocol maximum.
	MaxFrameSize int
	// ReadTimeout closes a stream that stays silent this long. Zero disables it.
	ReadTimeout time.Duration
	// SocketBuffer sizes the kernel socket buffers. Zero keeps the OS default.
	SocketBuffer int
}

// ReuseAddrListenConfig returns the SO_REUSEADDR listen config used by the
// relay listeners, for other servers in the process.
func ReuseAddrListenConfig() net.ListenConfig { return listenConfig(0) }

func (o ListenerOptions) maxFrame() int {
	if o.MaxFrameSize <= 0 || o.MaxFrameSize > protocol.MaxFrameSize {
		return protocol.MaxFrameSize
	}
	return o.MaxFrameSize
}

// TCPListener accepts stream clients and cuts each stream into frames
// using the length prefix of the header.
type TCPListener struct {
	addr     string
	sink     Sink
	opts     ListenerOptions
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener for addr delivering frames to sink.
func NewTCPListener(addr string, sink Sink, opts ListenerOptions) *TCPListener {
	return &TCPListener{addr: addr, sink: sink, opts: opts}
}

// Listen binds the socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	lc := listenConfig(l.opts.SocketBuffer)
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}
	l.listener = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds the socket and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then waits for the
// connection goroutines to exit.
func (l *TCPListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()
	defer l.wg.Wait()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection reads frames from one stream until it fails, times out
// or the relay shuts down.
func (l *TCPListener) handleConnection(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	remote := newTCPRemote(conn)
	logger := log.With().
		Str("component", "tcp_listener").
		Str("remote", remote.Key()).
		Logger()
	logger.Debug().Msg("stream connected")

	stop := context.AfterFunc(ctx, func() { remote.Close() })
	defer stop()
	defer func() {
		remote.Close()
		l.sink.OnClose(remote)
	}()

	for {
		if l.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
		}
		frame, err := protocol.ReadFrame(conn, l.opts.maxFrame())
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), remote.closed.Load():
				logger.Debug().Msg("stream closed")
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Debug().Dur("timeout", l.opts.ReadTimeout).Msg("stream idle, closing")
			default:
				logger.Warn().Err(err).Msg("read error, closing stream")
			}
			return
		}
		l.sink.OnBytes(remote, frame)
	}
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
