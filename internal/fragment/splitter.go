package fragment

import (
	"fmt"
	"sync/atomic"

	"github.com/energizer-project/relay/internal/protocol"
)

// DefaultMaxFragmentSize is the segment size used when none is configured.
const DefaultMaxFragmentSize = protocol.DefaultMaxPacketSize - protocol.HeaderSize - dataHead

// Splitter cuts oversized payloads into fragment frames. Session ids increase
// monotonically and wrap at 65536. Safe for concurrent use.
type Splitter struct {
	next        atomic.Uint32
	maxFragment int
}

// NewSplitter creates a splitter producing segments of at most maxFragment bytes.
func NewSplitter(maxFragment int) *Splitter {
	if maxFragment <= 0 {
		maxFragment = DefaultMaxFragmentSize
	}
	return &Splitter{maxFragment: maxFragment}
}

// MaxFragmentSize returns the segment size.
func (s *Splitter) MaxFragmentSize() int { return s.maxFragment }

// NextSessionID allocates a session id.
func (s *Splitter) NextSessionID() uint16 {
	return uint16(s.next.Add(1) - 1)
}

// Split returns the Start, Data and End payloads carrying payload as a
// message of type msgType. The payload must fit a single logical frame once
// reassembled.
func (s *Splitter) Split(payload []byte, msgType protocol.MessageType, correlation uint16) ([]Segment, error) {
	if len(payload) > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(payload), protocol.MaxPayloadSize)
	}

	count := (len(payload) + s.maxFragment - 1) / s.maxFragment
	if count == 0 {
		count = 1
	}

	id := s.NextSessionID()
	segments := make([]Segment, 0, count+2)
	segments = append(segments, Segment{
		Type: protocol.MsgFragmentStart,
		Payload: EncodeStart(Start{
			SessionID:    id,
			SegmentCount: uint16(count),
			TotalSize:    uint32(len(payload)),
			Type:         msgType,
			Correlation:  correlation,
		}),
	})

	for i := 0; i < count; i++ {
		lo := i * s.maxFragment
		hi := lo + s.maxFragment
		if hi > len(payload) {
			hi = len(payload)
		}
		segments = append(segments, Segment{
			Type:    protocol.MsgFragmentData,
			Payload: EncodeData(Data{SessionID: id, Index: uint16(i), Segment: payload[lo:hi]}),
		})
	}

	segments = append(segments, Segment{Type: protocol.MsgFragmentEnd, Payload: EncodeSessionID(id)})
	return segments, nil
}
