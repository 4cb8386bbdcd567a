package fragment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/protocol"
)

// DefaultTimeout is how long an idle session is kept before being discarded.
const DefaultTimeout = 30 * time.Second

// Key identifies a session. Session ids are only unique per sender.
type Key struct {
	Sender    string
	SessionID uint16
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Sender, k.SessionID) }

type session struct {
	mu         sync.Mutex
	started    bool
	expected   int // segment count, known once Start arrived
	totalSize  uint32
	msgType    protocol.MessageType
	corr       uint16
	segments   map[uint16][]byte
	buffered   int
	firstSeen  time.Time
	lastUpdate time.Time
}

// ReassemblerStats is a snapshot of reassembly counters.
type ReassemblerStats struct {
	Open      int    `json:"open"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Expired   uint64 `json:"expired"`
}

// Reassembler rebuilds fragmented messages. Segments may arrive in any order,
// including before their Start. Once a session ends, successfully or not, its
// key is remembered for one timeout so late segments are ignored instead of
// opening a new session.
//
// Safe for concurrent use.
type Reassembler struct {
	sessions *xsync.MapOf[Key, *session]
	closed   *xsync.MapOf[Key, time.Time]
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	completed atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
}

// NewReassembler creates a reassembler discarding sessions idle for longer
// than timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{
		sessions: xsync.NewMapOf[Key, *session](),
		closed:   xsync.NewMapOf[Key, time.Time](),
		timeout:  timeout,
		now:      time.Now,
		logger:   log.With().Str("component", "fragment").Logger(),
	}
}

func (r *Reassembler) open(key Key) *session {
	s, _ := r.sessions.LoadOrCompute(key, func() *session {
		now := r.now()
		return &session{segments: make(map[uint16][]byte), firstSeen: now, lastUpdate: now}
	})
	return s
}

// Begin records the Start of a session.
func (r *Reassembler) Begin(sender string, st Start) error {
	if st.SegmentCount == 0 {
		return fmt.Errorf("%w: zero segment count", ErrMalformed)
	}
	if st.TotalSize > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: announced %d bytes", ErrTooLarge, st.TotalSize)
	}

	key := Key{Sender: sender, SessionID: st.SessionID}
	// A Start reopens an id that wrapped around.
	r.closed.Delete(key)

	s := r.open(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = true
	s.expected = int(st.SegmentCount)
	s.totalSize = st.TotalSize
	s.msgType = st.Type
	s.corr = st.Correlation
	s.lastUpdate = r.now()
	for idx, seg := range s.segments {
		if int(idx) >= s.expected {
			s.buffered -= len(seg)
			delete(s.segments, idx)
		}
	}

	r.logger.Debug().
		Str("session", key.String()).
		Int("segments", s.expected).
		Uint32("total_size", st.TotalSize).
		Str("type", st.Type.String()).
		Msg("fragment session started")
	return nil
}

// Add stores one segment. Duplicate indices overwrite the earlier copy.
func (r *Reassembler) Add(sender string, d Data) error {
	key := Key{Sender: sender, SessionID: d.SessionID}
	if _, ok := r.closed.Load(key); ok {
		return fmt.Errorf("%w: %s", ErrClosed, key)
	}

	s := r.open(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && int(d.Index) >= s.expected {
		return fmt.Errorf("%w: index %d of %d", ErrIndexOutOfRange, d.Index, s.expected)
	}
	prev := len(s.segments[d.Index])
	if s.buffered-prev+len(d.Segment) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: session %s exceeds %d bytes", ErrTooLarge, key, protocol.MaxPayloadSize)
	}

	seg := make([]byte, len(d.Segment))
	copy(seg, d.Segment)
	s.segments[d.Index] = seg
	s.buffered += len(seg) - prev
	s.lastUpdate = r.now()
	return nil
}

// Finish closes a session and returns the reassembled message. The session
// is removed whether or not reassembly succeeds.
func (r *Reassembler) Finish(sender string, sessionID uint16) (Message, error) {
	key := Key{Sender: sender, SessionID: sessionID}
	r.closed.Store(key, r.now())

	s, ok := r.sessions.LoadAndDelete(key)
	if !ok {
		r.failed.Add(1)
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || len(s.segments) != s.expected {
		r.failed.Add(1)
		return Message{}, fmt.Errorf("%w: %s has %d of %d segments", ErrIncomplete, key, len(s.segments), s.expected)
	}
	if uint32(s.buffered) != s.totalSize {
		r.failed.Add(1)
		return Message{}, fmt.Errorf("%w: %s reassembled %d bytes, announced %d", ErrIncomplete, key, s.buffered, s.totalSize)
	}

	payload := make([]byte, 0, s.buffered)
	for i := 0; i < s.expected; i++ {
		payload = append(payload, s.segments[uint16(i)]...)
	}

	r.completed.Add(1)
	r.logger.Debug().
		Str("session", key.String()).
		Int("bytes", len(payload)).
		Msg("fragment session reassembled")
	return Message{Type: s.msgType, Correlation: s.corr, Payload: payload, ReceivedAt: s.firstSeen}, nil
}

// Abort closes one session without reassembling it. It reports whether
// the session was open.
func (r *Reassembler) Abort(sender string, sessionID uint16) bool {
	key := Key{Sender: sender, SessionID: sessionID}
	r.closed.Store(key, r.now())
	if _, ok := r.sessions.LoadAndDelete(key); ok {
		r.failed.Add(1)
		return true
	}
	return false
}

// Drop discards every session and tombstone belonging to sender.
func (r *Reassembler) Drop(sender string) int {
	dropped := 0
	r.sessions.Range(func(key Key, _ *session) bool {
		if key.Sender == sender {
			r.sessions.Delete(key)
			dropped++
		}
		return true
	})
	r.closed.Range(func(key Key, _ time.Time) bool {
		if key.Sender == sender {
			r.closed.Delete(key)
		}
		return true
	})
	return dropped
}

// Sweep discards sessions idle for longer than the timeout and forgets
// expired tombstones. It returns the number of sessions discarded.
func (r *Reassembler) Sweep() int {
	now := r.now()
	expired := 0

	r.sessions.Range(func(key Key, _ *session) bool {
		r.sessions.Compute(key, func(s *session, loaded bool) (*session, bool) {
			if !loaded {
				return s, true
			}
			s.mu.Lock()
			idle := now.Sub(s.lastUpdate)
			have, want := len(s.segments), s.expected
			s.mu.Unlock()
			if idle <= r.timeout {
				return s, false
			}
			expired++
			r.logger.Warn().
				Str("session", key.String()).
				Int("segments", have).
				Int("expected", want).
				Dur("idle", idle).
				Msg("fragment session timed out")
			return s, true
		})
		return true
	})

	r.closed.Range(func(key Key, at time.Time) bool {
		if now.Sub(at) > r.timeout {
			r.closed.Delete(key)
		}
		return true
	})

	r.expired.Add(uint64(expired))
	return expired
}

// Open returns the number of sessions in progress.
func (r *Reassembler) Open() int { return r.sessions.Size() }

// Stats returns a snapshot of the reassembly counters.
func (r *Reassembler) Stats() ReassemblerStats {
	return ReassemblerStats{
		Open:      r.sessions.Size(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Expired:   r.expired.Load(),
	}
}
