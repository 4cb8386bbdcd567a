// Package transport moves frames between the network and the dispatch
// table. Inbound frames are validated, prioritised and drained by worker
// loops; outbound frames are encoded, fragmented when oversized and drained
// by a second set of loops. A sweep loop expires idle clients and stale
// fragment sessions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/dispatch"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/network"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

var (
	// ErrEgressFull is returned when the egress queue refuses a frame.
	ErrEgressFull = errors.New("egress queue refused frame")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrUnknownClient is returned by Kick for an id no client holds.
	ErrUnknownClient = errors.New("unknown client")
)

const source = "transport"

// Deps are the collaborators a pipeline works with. Nil members are
// replaced by private instances.
type Deps struct {
	Clients     *clients.Registry
	Reassembler *fragment.Reassembler
	Bus         *events.EventBus
	Metrics     *metrics.Metrics
}

// Pipeline implements dispatch.Transport and network.Sink.
type Pipeline struct {
	opts  Options
	table *dispatch.Table

	clients     *clients.Registry
	reassembler *fragment.Reassembler
	splitter    *fragment.Splitter
	bus         *events.EventBus
	metrics     *metrics.Metrics

	ingress     *priority.Queue[*InboundTask]
	egress      *priority.Queue[*OutboundTask]
	ingressWake chan struct{}
	egressWake  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startedAt time.Time

	now    func() time.Time
	logger zerolog.Logger
	// malformed limits warnings about garbage a single peer can flood.
	malformed zerolog.Sampler
}

var _ dispatch.Transport = (*Pipeline)(nil)
var _ network.Sink = (*Pipeline)(nil)

// New creates a pipeline routing inbound frames through table.
func New(opts Options, table *dispatch.Table, deps Deps) *Pipeline {
	opts = opts.normalize()
	if deps.Clients == nil {
		deps.Clients = clients.NewRegistry(0)
	}
	if deps.Reassembler == nil {
		deps.Reassembler = fragment.NewReassembler(fragment.DefaultTimeout)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	p := &Pipeline{
		opts:        opts,
		table:       table,
		clients:     deps.Clients,
		reassembler: deps.Reassembler,
		splitter:    fragment.NewSplitter(opts.MaxFragmentSize),
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		ingress:     priority.NewQueue[*InboundTask]("ingress", opts.IngressQueueSize),
		egress:      priority.NewQueue[*OutboundTask]("egress", opts.EgressQueueSize),
		ingressWake: make(chan struct{}, opts.Workers),
		egressWake:  make(chan struct{}, opts.Workers),
		ctx:         context.Background(),
		now:         time.Now,
		logger:      log.With().Str("component", source).Logger(),
		malformed:   &zerolog.BurstSampler{Burst: 10, Period: time.Second},
	}

	p.metrics.WatchQueue(p.ingress.Name(), p.ingress.Stats)
	p.metrics.WatchQueue(p.egress.Name(), p.egress.Stats)
	p.metrics.WatchClients(p.clients.Count)
	p.metrics.WatchFragments(p.reassembler.Stats)
	return p
}

// Start freezes the dispatch table and launches the worker and sweep loops.
// It returns immediately; the loops run until Stop or ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.table.Freeze()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.startedAt = p.now()

	if p.opts.QueueingEnabled {
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(2)
			go p.ingressLoop()
			go p.egressLoop()
		}
	}
	p.wg.Add(1)
	go p.sweepLoop()

	p.logger.Info().
		Int("workers", p.opts.Workers).
		Bool("queueing", p.opts.QueueingEnabled).
		Int("max_packet_size", p.opts.MaxPacketSize).
		Dur("connection_timeout", p.opts.ConnectionTimeout).
		Msg("pipeline started")
	return nil
}

// Stop cancels the loops and waits for them to exit. Frames still queued
// are abandoned.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()

	p.logger.Info().
		Int("ingress_abandoned", p.ingress.Clear()).
		Int("egress_abandoned", p.egress.Clear()).
		Msg("pipeline stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Clients returns the client registry.
func (p *Pipeline) Clients() *clients.Registry { return p.clients }

// OnBytes accepts one raw frame from the network.
func (p *Pipeline) OnBytes(remote network.Remote, raw []byte) {
	p.Inject(remote, raw, p.now())
}

// OnClose forgets the client of a stream that ended without a Disconnect.
func (p *Pipeline) OnClose(remote network.Remote) {
	c, ok := p.clients.Get(remote.Key())
	if !ok || c.Remote() != remote {
		return
	}
	if p.clients.Remove(c) {
		p.reassembler.Drop(c.Key())
		p.emitClient(events.EventClientDisconnected, c, events.ReasonClientRequest, "connection closed")
	}
}

// Inject validates raw as a frame and queues it for dispatch as if it had
// arrived at receivedAt. Invalid frames are dropped. Frames of ordered types
// are dispatched on the calling goroutine, which keeps the wire order of a
// sender since every remote is read by a single goroutine.
func (p *Pipeline) Inject(remote network.Remote, raw []byte, receivedAt time.Time) {
	header, err := protocol.ParseHeader(raw)
	if err != nil {
		p.metrics.MalformedFrames.Inc()
		sampled := p.logger.Sample(p.malformed)
		sampled.Warn().
			Err(err).
			Str("remote", remote.Key()).
			Int("size", len(raw)).
			Msg("dropping malformed frame")
		p.emit(events.EventMalformedFrame, events.MalformedFramePayload{
			Remote: remote.Key(),
			Size:   len(raw),
			Error:  err.Error(),
		})
		return
	}

	p.metrics.FramesIn.WithLabelValues(header.Type.String()).Inc()
	p.metrics.BytesIn.Add(float64(len(raw)))

	task := &InboundTask{
		Remote: remote,
		Header: header,
		Frame:  protocol.WrapBuffer(raw),
		Level:  p.table.Priority(header.Type),
		At:     receivedAt,
	}
	if !p.opts.QueueingEnabled || p.table.Ordered(header.Type) {
		p.dispatch(task)
		return
	}
	if p.ingress.TryEnqueue(task) {
		signal(p.ingressWake)
	}
}

// Send frames payload and queues it for remote at the effective priority
// of msgType. Payloads that do not fit one packet are fragmented.
func (p *Pipeline) Send(remote network.Remote, payload *protocol.Buffer, msgType protocol.MessageType, correlation uint16, level priority.Level) error {
	var data []byte
	if payload != nil {
		data = payload.Bytes()
	}
	level = p.table.Effective(msgType, level)

	if len(data)+protocol.HeaderSize > p.opts.MaxPacketSize {
		return p.sendFragmented(remote, data, msgType, correlation, level)
	}
	frame, err := protocol.EncodeFrame(data, msgType, correlation, 0)
	if err != nil {
		return err
	}
	return p.enqueue(&OutboundTask{
		Remote: remote,
		Type:   msgType,
		Frames: [][]byte{frame.Bytes()},
		Level:  level,
		At:     p.now(),
	})
}

// SendClient is Send addressed to a client.
func (p *Pipeline) SendClient(c *clients.Client, payload *protocol.Buffer, msgType protocol.MessageType, correlation uint16, level priority.Level) error {
	return p.Send(c.Remote(), payload, msgType, correlation, level)
}

func (p *Pipeline) sendFragmented(remote network.Remote, data []byte, msgType protocol.MessageType, correlation uint16, level priority.Level) error {
	segments, err := p.splitter.Split(data, msgType, correlation)
	if err != nil {
		return err
	}
	frames := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		frame, err := protocol.EncodeFrame(seg.Payload, seg.Type, 0, 0)
		if err != nil {
			return err
		}
		frames = append(frames, frame.Bytes())
	}
	// Start, data and end travel as one task so they leave in order.
	if err := p.enqueue(&OutboundTask{
		Remote: remote,
		Type:   msgType,
		Frames: frames,
		Level:  level,
		At:     p.now(),
	}); err != nil {
		return fmt.Errorf("fragments of %s: %w", msgType, err)
	}
	p.metrics.FragmentedSends.Inc()
	p.logger.Debug().
		Str("type", msgType.String()).
		Str("remote", remote.Key()).
		Int("size", len(data)).
		Int("segments", len(segments)).
		Msg("payload fragmented")
	return nil
}

func (p *Pipeline) enqueue(task *OutboundTask) error {
	if !p.opts.QueueingEnabled {
		p.write(task)
		return nil
	}
	if !p.egress.TryEnqueue(task) {
		return ErrEgressFull
	}
	signal(p.egressWake)
	return nil
}

// Disconnect replies Disconnect with reason, then removes the client and
// closes its remote once the reply is written.
func (p *Pipeline) Disconnect(c *clients.Client, reason string) {
	p.disconnect(c, events.ReasonClientRequest, reason)
}

// Kick disconnects the client with the given id.
func (p *Pipeline) Kick(id uint16, reason string) error {
	c, ok := p.clients.GetByID(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, ErrUnknownClient)
	}
	p.disconnect(c, events.ReasonKicked, reason)
	return nil
}

func (p *Pipeline) disconnect(c *clients.Client, why events.DisconnectReason, reason string) {
	if !p.clients.Remove(c) {
		return
	}
	p.reassembler.Drop(c.Key())

	payload := protocol.NewBuffer(protocol.DefaultBufferSize)
	if reason != "" {
		payload.WriteString(reason)
	}
	frame, err := protocol.EncodeFrame(payload.Bytes(), protocol.MsgDisconnect, 0, 0)
	if err == nil {
		err = p.enqueue(&OutboundTask{
			Remote:     c.Remote(),
			Type:       protocol.MsgDisconnect,
			Frames:     [][]byte{frame.Bytes()},
			Level:      priority.Critical,
			At:         p.now(),
			CloseAfter: true,
		})
	}
	if err != nil {
		c.Remote().Close()
	}

	p.logger.Info().
		Uint16("client_id", c.ID).
		Str("remote", c.Key()).
		Str("reason", string(why)).
		Str("message", reason).
		Msg("client disconnected")
	p.emitClient(events.EventClientDisconnected, c, why, reason)
}

func (p *Pipeline) dispatch(task *InboundTask) {
	if task.Remote.Closed() {
		// Queued before its client was disconnected.
		p.logger.Debug().
			Str("remote", task.Remote.Key()).
			Str("type", task.Header.Type.String()).
			Msg("dropping frame from closed remote")
		return
	}
	p.releaseClosed(task.Remote)

	now := p.now()
	c, created, err := p.clients.GetOrCreate(task.Remote, now)
	if err != nil {
		p.logger.Warn().Err(err).Str("remote", task.Remote.Key()).Msg("dropping frame")
		return
	}
	if created {
		p.logger.Info().
			Uint16("client_id", c.ID).
			Str("remote", c.Key()).
			Msg("client connected")
		p.emitClient(events.EventClientConnected, c, "", "")
	}
	c.Touch(now)

	task.Frame.Seek(protocol.HeaderSize)
	start := time.Now()
	ran, failed := p.table.Dispatch(&dispatch.Context{
		Correlation: task.Header.Correlation,
		Type:        task.Header.Type,
		Payload:     task.Frame,
		Client:      c,
		Transport:   p,
		ReceivedAt:  task.At,
	})
	if ran > 0 {
		p.metrics.ObserveDispatch(task.Header.Type.String(), time.Since(start), failed)
	}
}

// releaseClosed removes a client registered under the key of remote whose
// own remote has since been closed, so a frame that raced a disconnect
// cannot leave the peer bound to a dead remote.
func (p *Pipeline) releaseClosed(remote network.Remote) {
	c, ok := p.clients.Get(remote.Key())
	if !ok || c.Remote() == remote || !c.Remote().Closed() {
		return
	}
	if p.clients.Remove(c) {
		p.reassembler.Drop(c.Key())
		p.logger.Debug().
			Uint16("client_id", c.ID).
			Str("remote", c.Key()).
			Msg("released client bound to a closed remote")
		p.emitClient(events.EventClientDisconnected, c, events.ReasonClientRequest, "remote closed")
	}
}

func (p *Pipeline) write(task *OutboundTask) {
	for _, frame := range task.Frames {
		if err := task.Remote.Send(frame); err != nil {
			p.metrics.SendErrors.Inc()
			p.logger.Debug().Err(err).Str("type", task.Type.String()).Msg("send failed")
			break
		}
		t := task.Type
		if h, err := protocol.ParseHeader(frame); err == nil {
			t = h.Type
		}
		p.metrics.FramesOut.WithLabelValues(t.String()).Inc()
		p.metrics.BytesOut.Add(float64(len(frame)))
	}
	if task.CloseAfter {
		task.Remote.Close()
	}
}

func (p *Pipeline) ingressLoop() {
	defer p.wg.Done()
	d := drainer[*InboundTask]{p: p, queue: p.ingress, budget: p.opts.IngressBudget, handle: p.dispatch}
	d.run(p.ingressWake)
}

func (p *Pipeline) egressLoop() {
	defer p.wg.Done()
	d := drainer[*OutboundTask]{p: p, queue: p.egress, budget: p.opts.EgressBudget, handle: p.write}
	d.run(p.egressWake)
}

// drainer empties one queue per wake-up, giving up the rest of the batch
// when it runs past budget. After BudgetStrikes consecutive overruns the
// backlog is dropped.
type drainer[T priority.Item] struct {
	p       *Pipeline
	queue   *priority.Queue[T]
	budget  time.Duration
	handle  func(T)
	strikes int
}

func (d *drainer[T]) run(wake chan struct{}) {
	for {
		select {
		case <-d.p.ctx.Done():
			return
		case <-wake:
		}
		if d.drain() {
			signal(wake)
		}
	}
}

// drain returns true when it stopped with work left over.
func (d *drainer[T]) drain() bool {
	start := time.Now()
	for {
		if d.p.ctx.Err() != nil {
			return false
		}
		item, ok := d.queue.TryDequeue()
		if !ok {
			d.strikes = 0
			return false
		}
		d.handle(item)

		if time.Since(start) <= d.budget {
			continue
		}
		d.strikes++
		if d.strikes < d.p.opts.BudgetStrikes {
			return d.queue.Count() > 0
		}
		d.shed()
		return false
	}
}

func (d *drainer[T]) shed() {
	dropped := d.queue.Clear()
	strikes := d.strikes
	d.strikes = 0
	d.p.metrics.QueueSheds.WithLabelValues(d.queue.Name()).Inc()
	d.p.logger.Warn().
		Str("queue", d.queue.Name()).
		Int("dropped", dropped).
		Dur("budget", d.budget).
		Int("strikes", strikes).
		Msg("queue over budget, dropping backlog")
	d.p.emit(events.EventQueueShed, events.QueueShedPayload{
		Queue:   d.queue.Name(),
		Dropped: dropped,
		Budget:  d.budget,
		Strikes: strikes,
	})
}

func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep disconnects idle clients and expires stale fragment sessions.
func (p *Pipeline) sweep() {
	for _, c := range p.clients.Stale(p.opts.ConnectionTimeout, p.now()) {
		p.metrics.ClientsTimedOut.Inc()
		p.emitClient(events.EventClientTimedOut, c, events.ReasonTimeout, "")
		p.disconnect(c, events.ReasonTimeout, "Connection timed out")
	}
	if n := p.reassembler.Sweep(); n > 0 {
		p.logger.Debug().Int("sessions", n).Msg("expired fragment sessions")
	}
}

// Stats is a snapshot of the pipeline.
type Stats struct {
	Running   bool                      `json:"running"`
	Uptime    time.Duration             `json:"uptime"`
	Workers   int                       `json:"workers"`
	Queueing  bool                      `json:"queueing"`
	Clients   int                       `json:"clients"`
	Ingress   priority.Stats            `json:"ingress"`
	Egress    priority.Stats            `json:"egress"`
	Fragments fragment.ReassemblerStats `json:"fragments"`
}

// Stats returns a snapshot of queues, clients and fragment sessions.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Running:   p.running.Load(),
		Workers:   p.opts.Workers,
		Queueing:  p.opts.QueueingEnabled,
		Clients:   p.clients.Count(),
		Ingress:   p.ingress.Stats(),
		Egress:    p.egress.Stats(),
		Fragments: p.reassembler.Stats(),
	}
	if s.Running {
		s.Uptime = p.now().Sub(p.startedAt)
	}
	return s
}

func (p *Pipeline) emit(t events.EventType, payload any) {
	p.bus.Emit(p.ctx, events.Event{Type: t, Source: source, Payload: payload})
}

func (p *Pipeline) emitClient(t events.EventType, c *clients.Client, why events.DisconnectReason, message string) {
	info := c.Info()
	p.emit(t, events.ClientPayload{
		ClientID:  info.ID,
		Remote:    info.Remote,
		Transport: info.Transport,
		Engine:    info.Engine,
		Platform:  info.Platform,
		Reason:    why,
		Message:   message,
		At:        p.now(),
	})
}

// signal wakes one waiting loop without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
