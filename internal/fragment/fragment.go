// Package fragment splits messages too large for one frame into numbered
// segments and reassembles them on the receiving side.
//
// A fragmented message travels as one FragmentStart frame, N FragmentData
// frames and one FragmentEnd frame, all sharing a session id:
//
//	FragmentStart {session_id:2, segment_count:2, total_size:4, original_type:1, original_correlation:2}
//	FragmentData  {session_id:2, segment_index:2, segment_length:2, segment...}
//	FragmentEnd   {session_id:2}
//	FragmentAbort {session_id:2}   sent back when reassembly fails
package fragment

import (
	"errors"
	"time"

	"github.com/energizer-project/relay/internal/protocol"
)

const (
	startSize = 11
	dataHead  = 6
	endSize   = 2
)

var (
	// ErrTooLarge is returned for messages that cannot be carried even fragmented.
	ErrTooLarge = errors.New("message too large to fragment")
	// ErrIncomplete is returned when a session ends with missing segments.
	ErrIncomplete = errors.New("fragment session incomplete")
	// ErrUnknownSession is returned when a session id has no open session.
	ErrUnknownSession = errors.New("unknown fragment session")
	// ErrIndexOutOfRange is returned for a segment index beyond the announced count.
	ErrIndexOutOfRange = errors.New("segment index out of range")
	// ErrClosed is returned for segments of a session that already ended.
	ErrClosed = errors.New("fragment session closed")
	// ErrMalformed is returned when a control or data payload cannot be decoded.
	ErrMalformed = errors.New("malformed fragment payload")
)

// Start announces a fragmented message.
type Start struct {
	SessionID    uint16
	SegmentCount uint16
	TotalSize    uint32
	Type         protocol.MessageType
	Correlation  uint16
}

// Data carries one segment.
type Data struct {
	SessionID uint16
	Index     uint16
	Segment   []byte
}

// Segment is one frame payload produced by the splitter, ready to be framed
// with its message type.
type Segment struct {
	Type    protocol.MessageType
	Payload []byte
}

// Message is a reassembled logical message. ReceivedAt is when its first
// fragment arrived, so it can be queued as if it had arrived whole.
type Message struct {
	Type        protocol.MessageType
	Correlation uint16
	Payload     []byte
	ReceivedAt  time.Time
}

// Frame encodes the message as a single wire frame, as if it had arrived whole.
func (m Message) Frame() ([]byte, error) {
	frame, err := protocol.EncodeFrame(m.Payload, m.Type, m.Correlation, 0)
	if err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}

// EncodeStart returns a FragmentStart payload.
func EncodeStart(s Start) []byte {
	b := protocol.NewBuffer(startSize)
	b.WriteUint16(s.SessionID)
	b.WriteUint16(s.SegmentCount)
	b.WriteUint32(s.TotalSize)
	s.Type.Write(b)
	b.WriteUint16(s.Correlation)
	return b.Bytes()
}

// ParseStart decodes a FragmentStart payload from the cursor.
func ParseStart(b *protocol.Buffer) (Start, error) {
	if b.Remaining() < startSize {
		return Start{}, ErrMalformed
	}
	return Start{
		SessionID:    b.ReadUint16(),
		SegmentCount: b.ReadUint16(),
		TotalSize:    b.ReadUint32(),
		Type:         protocol.ReadMessageType(b),
		Correlation:  b.ReadUint16(),
	}, nil
}

// EncodeData returns a FragmentData payload.
func EncodeData(d Data) []byte {
	b := protocol.NewBuffer(dataHead + len(d.Segment))
	b.WriteUint16(d.SessionID)
	b.WriteUint16(d.Index)
	b.WriteUint16(uint16(len(d.Segment)))
	b.WriteBytes(d.Segment)
	return b.Bytes()
}

// ParseData decodes a FragmentData payload from the cursor.
func ParseData(b *protocol.Buffer) (Data, error) {
	if b.Remaining() < dataHead {
		return Data{}, ErrMalformed
	}
	d := Data{SessionID: b.ReadUint16(), Index: b.ReadUint16()}
	n := int(b.ReadUint16())
	if b.Remaining() < n {
		return Data{}, ErrMalformed
	}
	d.Segment = b.ReadBytes(n)
	return d, nil
}

// EncodeSessionID returns a FragmentEnd or FragmentAbort payload.
func EncodeSessionID(id uint16) []byte {
	b := protocol.NewBuffer(endSize)
	b.WriteUint16(id)
	return b.Bytes()
}

// ParseSessionID decodes a FragmentEnd or FragmentAbort payload.
func ParseSessionID(b *protocol.Buffer) (uint16, error) {
	if b.Remaining() < endSize {
		return 0, ErrMalformed
	}
	return b.ReadUint16(), nil
}
