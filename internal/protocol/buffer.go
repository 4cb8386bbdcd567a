package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultBufferSize is the capacity used by NewBuffer when no size is given.
const DefaultBufferSize = DefaultMaxPacketSize

// MaxStringLength is the longest string that fits the uint16 length prefix.
const MaxStringLength = math.MaxUint16

// Vector3 is a position or direction encoded as three big-endian float32.
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is a rotation encoded as four big-endian float32 (x, y, z, w).
type Quaternion struct {
	X, Y, Z, W float32
}

// IdentityQuaternion is returned by ReadQuaternion when the buffer is short.
var IdentityQuaternion = Quaternion{W: 1}

// Buffer is a fixed-capacity byte buffer with a single cursor used for both
// writing and reading, and a high-water length marking the written region.
// All multi-byte values are big-endian.
//
// Writes fail closed: when a value does not fit the backing array the write
// returns false and the buffer is left untouched. Reads never fail: reading
// past the written length returns a zero value (0, "", nil, zero vector,
// identity quaternion) and does not move the cursor. A legitimately zero field
// is therefore indistinguishable from a truncated one; handlers that expect a
// non-zero value must check for it themselves.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	data   []byte
	length int
	offset int
}

// NewBuffer allocates an empty buffer able to hold capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, capacity)}
}

// WrapBuffer takes ownership of data and exposes it for reading from offset 0.
// The caller must not modify data afterwards.
func WrapBuffer(data []byte) *Buffer {
	return &Buffer{data: data, length: len(data)}
}

// Len returns the number of bytes written (the high-water mark).
func (b *Buffer) Len() int { return b.length }

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int { return len(b.data) }

// Offset returns the cursor position.
func (b *Buffer) Offset() int { return b.offset }

// Remaining returns the number of unread bytes between the cursor and Len.
func (b *Buffer) Remaining() int {
	if b.offset >= b.length {
		return 0
	}
	return b.length - b.offset
}

// Seek moves the cursor to an absolute position, clamped to [0, Cap].
func (b *Buffer) Seek(offset int) {
	switch {
	case offset < 0:
		b.offset = 0
	case offset > len(b.data):
		b.offset = len(b.data)
	default:
		b.offset = offset
	}
}

// Skip moves the cursor forward by n bytes. Skipping over unwritten space
// while writing reserves it (e.g. for a count filled in later).
func (b *Buffer) Skip(n int) { b.Seek(b.offset + n) }

// SeekEnd moves the cursor to the end of the written region.
func (b *Buffer) SeekEnd() { b.offset = b.length }

// Reset empties the buffer without releasing the backing array.
func (b *Buffer) Reset() {
	b.offset = 0
	b.length = 0
}

// Bytes returns a copy of the written region.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.length)
	copy(out, b.data[:b.length])
	return out
}

// Clone copies length bytes starting at offset into a new buffer whose cursor
// is at 0. A non-positive length clones up to the end of the written region.
// The source buffer, cursor included, is not modified.
func (b *Buffer) Clone(offset, length int) *Buffer {
	if offset < 0 || offset > b.length {
		return NewBuffer(1)
	}
	if length <= 0 || offset+length > b.length {
		length = b.length - offset
	}
	out := make([]byte, length)
	copy(out, b.data[offset:offset+length])
	return WrapBuffer(out)
}

// String renders the written region as hex for debug logging.
func (b *Buffer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Buffer[offset=%d length=%d", b.offset, b.length)
	for i := 0; i < b.length; i++ {
		fmt.Fprintf(&sb, " %02X", b.data[i])
	}
	sb.WriteString("]")
	return sb.String()
}

// reserve returns the slice for the next n bytes and advances the cursor, or
// nil when the write would overflow the backing array.
func (b *Buffer) reserve(n int) []byte {
	if n < 0 || b.offset+n > len(b.data) {
		return nil
	}
	p := b.data[b.offset : b.offset+n]
	b.offset += n
	if b.offset > b.length {
		b.length = b.offset
	}
	return p
}

// take returns the next n readable bytes and advances the cursor, or nil when
// fewer than n bytes remain.
func (b *Buffer) take(n int) []byte {
	if n < 0 || b.offset+n > b.length {
		return nil
	}
	p := b.data[b.offset : b.offset+n]
	b.offset += n
	return p
}

// ---- Writers ----

// WriteUint8 writes a single byte.
func (b *Buffer) WriteUint8(v uint8) bool {
	p := b.reserve(1)
	if p == nil {
		return false
	}
	p[0] = v
	return true
}

// WriteBool writes 1 for true and 0 for false.
func (b *Buffer) WriteBool(v bool) bool {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteUint16 writes a big-endian uint16.
func (b *Buffer) WriteUint16(v uint16) bool {
	p := b.reserve(2)
	if p == nil {
		return false
	}
	binary.BigEndian.PutUint16(p, v)
	return true
}

// WriteInt16 writes a big-endian int16.
func (b *Buffer) WriteInt16(v int16) bool { return b.WriteUint16(uint16(v)) }

// WriteUint32 writes a big-endian uint32.
func (b *Buffer) WriteUint32(v uint32) bool {
	p := b.reserve(4)
	if p == nil {
		return false
	}
	binary.BigEndian.PutUint32(p, v)
	return true
}

// WriteInt32 writes a big-endian int32.
func (b *Buffer) WriteInt32(v int32) bool { return b.WriteUint32(uint32(v)) }

// WriteUint64 writes a big-endian uint64.
func (b *Buffer) WriteUint64(v uint64) bool {
	p := b.reserve(8)
	if p == nil {
		return false
	}
	binary.BigEndian.PutUint64(p, v)
	return true
}

// WriteInt64 writes a big-endian int64.
func (b *Buffer) WriteInt64(v int64) bool { return b.WriteUint64(uint64(v)) }

// WriteFloat32 writes an IEEE-754 float32.
func (b *Buffer) WriteFloat32(v float32) bool { return b.WriteUint32(math.Float32bits(v)) }

// WriteFloat64 writes an IEEE-754 float64.
func (b *Buffer) WriteFloat64(v float64) bool { return b.WriteUint64(math.Float64bits(v)) }

// WriteTime writes t as unix milliseconds (int64).
func (b *Buffer) WriteTime(t time.Time) bool { return b.WriteInt64(t.UnixMilli()) }

// WriteString writes a uint16 byte length followed by the raw UTF-8 bytes.
// Strings longer than MaxStringLength bytes are refused.
func (b *Buffer) WriteString(s string) bool {
	if len(s) > MaxStringLength || b.offset+2+len(s) > len(b.data) {
		return false
	}
	b.WriteUint16(uint16(len(s)))
	copy(b.reserve(len(s)), s)
	return true
}

// WriteVector3 writes x, y, z.
func (b *Buffer) WriteVector3(v Vector3) bool {
	if b.offset+12 > len(b.data) {
		return false
	}
	b.WriteFloat32(v.X)
	b.WriteFloat32(v.Y)
	b.WriteFloat32(v.Z)
	return true
}

// WriteQuaternion writes x, y, z, w.
func (b *Buffer) WriteQuaternion(q Quaternion) bool {
	if b.offset+16 > len(b.data) {
		return false
	}
	b.WriteFloat32(q.X)
	b.WriteFloat32(q.Y)
	b.WriteFloat32(q.Z)
	b.WriteFloat32(q.W)
	return true
}

// WriteBytes writes raw bytes without a length prefix.
func (b *Buffer) WriteBytes(data []byte) bool {
	p := b.reserve(len(data))
	if p == nil {
		return false
	}
	copy(p, data)
	return true
}

// WriteBuffer writes the written region of other, regardless of its cursor.
func (b *Buffer) WriteBuffer(other *Buffer) bool {
	if other == nil {
		return true
	}
	return b.WriteBytes(other.data[:other.length])
}

// WriteEnum writes v using the declared wire width of its enumeration.
func (b *Buffer) WriteEnum(v uint32, w Width) bool {
	switch w {
	case Width8:
		if v > math.MaxUint8 {
			return false
		}
		return b.WriteUint8(uint8(v))
	case Width16:
		if v > math.MaxUint16 {
			return false
		}
		return b.WriteUint16(uint16(v))
	case Width32:
		return b.WriteUint32(v)
	default:
		return false
	}
}

// ---- Readers ----

// ReadUint8 reads a byte, or 0 when the buffer is short.
func (b *Buffer) ReadUint8() uint8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// ReadBool reads a byte and reports whether it is non-zero.
func (b *Buffer) ReadBool() bool { return b.ReadUint8() != 0 }

// ReadUint16 reads a big-endian uint16, or 0 when the buffer is short.
func (b *Buffer) ReadUint16() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

// ReadInt16 reads a big-endian int16, or 0 when the buffer is short.
func (b *Buffer) ReadInt16() int16 { return int16(b.ReadUint16()) }

// ReadUint32 reads a big-endian uint32, or 0 when the buffer is short.
func (b *Buffer) ReadUint32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// ReadInt32 reads a big-endian int32, or 0 when the buffer is short.
func (b *Buffer) ReadInt32() int32 { return int32(b.ReadUint32()) }

// ReadUint64 reads a big-endian uint64, or 0 when the buffer is short.
func (b *Buffer) ReadUint64() uint64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

// ReadInt64 reads a big-endian int64, or 0 when the buffer is short.
func (b *Buffer) ReadInt64() int64 { return int64(b.ReadUint64()) }

// ReadFloat32 reads a float32, or 0 when the buffer is short.
func (b *Buffer) ReadFloat32() float32 { return math.Float32frombits(b.ReadUint32()) }

// ReadFloat64 reads a float64, or 0 when the buffer is short.
func (b *Buffer) ReadFloat64() float64 { return math.Float64frombits(b.ReadUint64()) }

// ReadTime reads unix milliseconds. A short buffer yields the unix epoch.
func (b *Buffer) ReadTime() time.Time { return time.UnixMilli(b.ReadInt64()) }

// ReadString reads a length-prefixed string. When the declared length exceeds
// the remaining bytes it returns "" and leaves the cursor after the prefix.
func (b *Buffer) ReadString() string {
	n := int(b.ReadUint16())
	p := b.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

// ReadVector3 reads three floats, or the zero vector when the buffer is short.
func (b *Buffer) ReadVector3() Vector3 {
	if b.Remaining() < 12 {
		return Vector3{}
	}
	return Vector3{X: b.ReadFloat32(), Y: b.ReadFloat32(), Z: b.ReadFloat32()}
}

// ReadQuaternion reads four floats, or IdentityQuaternion when the buffer is short.
func (b *Buffer) ReadQuaternion() Quaternion {
	if b.Remaining() < 16 {
		return IdentityQuaternion
	}
	return Quaternion{X: b.ReadFloat32(), Y: b.ReadFloat32(), Z: b.ReadFloat32(), W: b.ReadFloat32()}
}

// ReadBytes copies the next n bytes, or returns nil when fewer remain.
func (b *Buffer) ReadBytes(n int) []byte {
	p := b.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// ReadRest copies every unread byte and moves the cursor to the end.
func (b *Buffer) ReadRest() []byte {
	return b.ReadBytes(b.Remaining())
}

// ReadEnum reads a value of the declared wire width, or 0 when short.
func (b *Buffer) ReadEnum(w Width) uint32 {
	switch w {
	case Width8:
		return uint32(b.ReadUint8())
	case Width16:
		return uint32(b.ReadUint16())
	case Width32:
		return b.ReadUint32()
	default:
		return 0
	}
}
