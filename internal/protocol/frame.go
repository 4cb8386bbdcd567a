package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the length of the frame header: length, correlation id, type.
const HeaderSize = 5

// MaxFrameSize is the largest frame the uint16 length field can describe.
const MaxFrameSize = math.MaxUint16

// MaxPayloadSize is the largest payload a single logical frame can carry.
const MaxPayloadSize = MaxFrameSize - HeaderSize

var (
	// ErrShortFrame is returned for frames smaller than the header.
	ErrShortFrame = errors.New("frame shorter than header")
	// ErrLengthMismatch is returned when total_length differs from the bytes received.
	ErrLengthMismatch = errors.New("frame length mismatch")
	// ErrFrameTooLarge is returned when a payload cannot fit a single frame.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Header is the decoded 5-byte frame header.
type Header struct {
	Length      uint16
	Correlation uint16
	Type        MessageType
}

// ParseHeader validates raw as one complete frame and decodes its header.
// A frame is valid when it holds at least HeaderSize bytes and its declared
// length equals len(raw).
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	h := Header{
		Length:      binary.BigEndian.Uint16(raw[0:2]),
		Correlation: binary.BigEndian.Uint16(raw[2:4]),
		Type:        MessageType(raw[4]),
	}
	if int(h.Length) < HeaderSize || int(h.Length) != len(raw) {
		return h, fmt.Errorf("%w: declared %d, received %d", ErrLengthMismatch, h.Length, len(raw))
	}
	return h, nil
}

// EncodeFrame prepends a header to payload. The returned buffer has capacity
// max(len(payload)+HeaderSize, minCapacity) so callers may keep appending.
func EncodeFrame(payload []byte, msgType MessageType, correlation uint16, minCapacity int) (*Buffer, error) {
	total := len(payload) + HeaderSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	capacity := total
	if minCapacity > capacity {
		capacity = minCapacity
	}
	frame := NewBuffer(capacity)
	frame.WriteUint16(uint16(total))
	frame.WriteUint16(correlation)
	msgType.Write(frame)
	frame.WriteBytes(payload)
	return frame, nil
}

// ReadFrame reads one frame from a byte stream, using the header length to
// find the frame boundary. Frames larger than maxSize are rejected.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := int(binary.BigEndian.Uint16(prefix[:]))
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrShortFrame, length)
	}
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	frame := make([]byte, length)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[2:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}
	return frame, nil
}

// WriteFrame writes an already encoded frame.
func WriteFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
