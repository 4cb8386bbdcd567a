package protocol

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"
)

func TestBufferIntegerRoundTrip(t *testing.T) {
	b := NewBuffer(128)

	u8 := []uint8{0, 1, math.MaxUint8}
	u16 := []uint16{0, 1, 0x1234, math.MaxUint16}
	i16 := []int16{0, -1, math.MinInt16, math.MaxInt16}
	u32 := []uint32{0, 0xDEADBEEF, math.MaxUint32}
	i32 := []int32{0, -42, math.MinInt32, math.MaxInt32}
	u64 := []uint64{0, math.MaxUint64}
	i64 := []int64{0, -1, math.MinInt64, math.MaxInt64}

	for _, v := range u8 {
		if !b.WriteUint8(v) {
			t.Fatalf("WriteUint8(%d) failed", v)
		}
	}
	for _, v := range u16 {
		b.WriteUint16(v)
	}
	for _, v := range i16 {
		b.WriteInt16(v)
	}
	for _, v := range u32 {
		b.WriteUint32(v)
	}
	for _, v := range i32 {
		b.WriteInt32(v)
	}
	for _, v := range u64 {
		b.WriteUint64(v)
	}
	for _, v := range i64 {
		b.WriteInt64(v)
	}

	b.Seek(0)
	for _, want := range u8 {
		if got := b.ReadUint8(); got != want {
			t.Errorf("ReadUint8 = %d, want %d", got, want)
		}
	}
	for _, want := range u16 {
		if got := b.ReadUint16(); got != want {
			t.Errorf("ReadUint16 = %d, want %d", got, want)
		}
	}
	for _, want := range i16 {
		if got := b.ReadInt16(); got != want {
			t.Errorf("ReadInt16 = %d, want %d", got, want)
		}
	}
	for _, want := range u32 {
		if got := b.ReadUint32(); got != want {
			t.Errorf("ReadUint32 = %d, want %d", got, want)
		}
	}
	for _, want := range i32 {
		if got := b.ReadInt32(); got != want {
			t.Errorf("ReadInt32 = %d, want %d", got, want)
		}
	}
	for _, want := range u64 {
		if got := b.ReadUint64(); got != want {
			t.Errorf("ReadUint64 = %d, want %d", got, want)
		}
	}
	for _, want := range i64 {
		if got := b.ReadInt64(); got != want {
			t.Errorf("ReadInt64 = %d, want %d", got, want)
		}
	}
	if b.Remaining() != 0 {
		t.Errorf("Remaining = %d after reading everything", b.Remaining())
	}
}

func TestBufferBigEndianLayout(t *testing.T) {
	b := NewBuffer(8)
	b.WriteUint16(0x0102)
	b.WriteUint32(0x03040506)

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if got := b.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes = % X, want % X", got, want)
	}
}

func TestBufferFloatRoundTrip(t *testing.T) {
	b := NewBuffer(64)
	f32 := []float32{0, -1.5, math.MaxFloat32, math.SmallestNonzeroFloat32}
	f64 := []float64{0, math.Pi, -math.MaxFloat64}

	for _, v := range f32 {
		b.WriteFloat32(v)
	}
	for _, v := range f64 {
		b.WriteFloat64(v)
	}

	b.Seek(0)
	for _, want := range f32 {
		if got := b.ReadFloat32(); got != want {
			t.Errorf("ReadFloat32 = %v, want %v", got, want)
		}
	}
	for _, want := range f64 {
		if got := b.ReadFloat64(); got != want {
			t.Errorf("ReadFloat64 = %v, want %v", got, want)
		}
	}
}

func TestBufferStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"ascii", "relay"},
		{"utf8", "héllo wörld ✓"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuffer(64)
			if !b.WriteString(tc.in) {
				t.Fatalf("WriteString(%q) failed", tc.in)
			}
			if b.Len() != 2+len(tc.in) {
				t.Fatalf("Len = %d, want %d", b.Len(), 2+len(tc.in))
			}
			b.Seek(0)
			if got := b.ReadString(); got != tc.in {
				t.Errorf("ReadString = %q, want %q", got, tc.in)
			}
		})
	}
}

func TestBufferLongestStringThatFits(t *testing.T) {
	s := strings.Repeat("x", 100)
	b := NewBuffer(102)
	if !b.WriteString(s) {
		t.Fatal("string filling the buffer exactly should fit")
	}
	b.Seek(0)
	if got := b.ReadString(); got != s {
		t.Errorf("ReadString returned %d bytes, want %d", len(got), len(s))
	}

	tooLong := NewBuffer(101)
	if tooLong.WriteString(s) {
		t.Fatal("string one byte too long should be refused")
	}
	if tooLong.Len() != 0 || tooLong.Offset() != 0 {
		t.Errorf("failed write mutated buffer: len=%d offset=%d", tooLong.Len(), tooLong.Offset())
	}
}

func TestBufferVectorAndQuaternionRoundTrip(t *testing.T) {
	b := NewBuffer(64)
	v := Vector3{X: 1.25, Y: -2.5, Z: 1e6}
	q := Quaternion{X: 0, Y: 0.7071, Z: 0, W: 0.7071}

	if !b.WriteVector3(v) || !b.WriteQuaternion(q) {
		t.Fatal("write failed")
	}
	b.Seek(0)
	if got := b.ReadVector3(); got != v {
		t.Errorf("ReadVector3 = %+v, want %+v", got, v)
	}
	if got := b.ReadQuaternion(); got != q {
		t.Errorf("ReadQuaternion = %+v, want %+v", got, q)
	}
}

func TestBufferTimeRoundTrip(t *testing.T) {
	b := NewBuffer(8)
	now := time.UnixMilli(time.Now().UnixMilli())
	b.WriteTime(now)
	b.Seek(0)
	if got := b.ReadTime(); !got.Equal(now) {
		t.Errorf("ReadTime = %v, want %v", got, now)
	}
}

func TestBufferEnumWidths(t *testing.T) {
	tests := []struct {
		width Width
		value uint32
		size  int
	}{
		{Width8, 0xAB, 1},
		{Width16, 0xABCD, 2},
		{Width32, 0xABCDEF01, 4},
	}

	for _, tc := range tests {
		b := NewBuffer(8)
		if !b.WriteEnum(tc.value, tc.width) {
			t.Fatalf("WriteEnum(%#x, %d) failed", tc.value, tc.width)
		}
		if b.Len() != tc.size {
			t.Errorf("width %d wrote %d bytes, want %d", tc.width, b.Len(), tc.size)
		}
		b.Seek(0)
		if got := b.ReadEnum(tc.width); got != tc.value {
			t.Errorf("ReadEnum = %#x, want %#x", got, tc.value)
		}
	}

	b := NewBuffer(8)
	if b.WriteEnum(0x100, Width8) {
		t.Error("value wider than declared width should be refused")
	}

	b.Reset()
	MsgFragmentStart.Write(b)
	b.Seek(0)
	if got := ReadMessageType(b); got != MsgFragmentStart {
		t.Errorf("ReadMessageType = %v, want %v", got, MsgFragmentStart)
	}
}

func TestBufferWriteFailsClosed(t *testing.T) {
	b := NewBuffer(3)
	if !b.WriteUint16(7) {
		t.Fatal("first write should fit")
	}
	if b.WriteUint32(1) {
		t.Fatal("uint32 should not fit in 1 remaining byte")
	}
	if b.WriteVector3(Vector3{X: 1}) {
		t.Fatal("vector should not fit")
	}
	if b.WriteBytes([]byte{1, 2}) {
		t.Fatal("2 bytes should not fit")
	}
	if b.Len() != 2 || b.Offset() != 2 {
		t.Errorf("failed writes moved buffer: len=%d offset=%d", b.Len(), b.Offset())
	}
	if !b.WriteUint8(9) {
		t.Fatal("last byte should still fit")
	}
}

func TestBufferShortReadsReturnSentinels(t *testing.T) {
	b := WrapBuffer([]byte{0x01})

	if got := b.ReadUint16(); got != 0 {
		t.Errorf("ReadUint16 on 1 byte = %d, want 0", got)
	}
	if b.Offset() != 0 {
		t.Errorf("short read moved cursor to %d", b.Offset())
	}
	if got := b.ReadUint32(); got != 0 {
		t.Errorf("ReadUint32 = %d, want 0", got)
	}
	if got := b.ReadInt64(); got != 0 {
		t.Errorf("ReadInt64 = %d, want 0", got)
	}
	if got := b.ReadFloat64(); got != 0 {
		t.Errorf("ReadFloat64 = %v, want 0", got)
	}
	if got := b.ReadVector3(); got != (Vector3{}) {
		t.Errorf("ReadVector3 = %+v, want zero", got)
	}
	if got := b.ReadQuaternion(); got != IdentityQuaternion {
		t.Errorf("ReadQuaternion = %+v, want identity", got)
	}
	if got := b.ReadBytes(4); got != nil {
		t.Errorf("ReadBytes = %v, want nil", got)
	}

	// A string whose declared length overruns the buffer decodes as empty.
	s := WrapBuffer([]byte{0x00, 0x09, 'a', 'b'})
	if got := s.ReadString(); got != "" {
		t.Errorf("ReadString = %q, want empty", got)
	}

	empty := WrapBuffer(nil)
	if got := empty.ReadUint8(); got != 0 {
		t.Errorf("ReadUint8 on empty = %d", got)
	}
	if empty.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", empty.Remaining())
	}
}

func TestBufferCursorOperations(t *testing.T) {
	b := NewBuffer(16)
	b.Skip(1) // reserve a count byte
	b.WriteUint16(0xAAAA)
	b.WriteUint16(0xBBBB)
	b.Seek(0)
	b.WriteUint8(2)
	b.SeekEnd()
	if b.Offset() != 5 {
		t.Fatalf("SeekEnd offset = %d, want 5", b.Offset())
	}

	b.Seek(0)
	if n := b.ReadUint8(); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	b.Skip(2)
	if v := b.ReadUint16(); v != 0xBBBB {
		t.Errorf("after Skip read %#x, want 0xBBBB", v)
	}

	b.Seek(-10)
	if b.Offset() != 0 {
		t.Errorf("negative Seek offset = %d", b.Offset())
	}
}

func TestBufferCloneDoesNotMutateSource(t *testing.T) {
	b := NewBuffer(16)
	b.WriteBytes([]byte{1, 2, 3, 4, 5, 6})
	b.Seek(2)

	c := b.Clone(1, 3)
	if got := c.Bytes(); !bytes.Equal(got, []byte{2, 3, 4}) {
		t.Fatalf("Clone bytes = %v", got)
	}
	if c.Offset() != 0 {
		t.Errorf("clone offset = %d, want 0", c.Offset())
	}
	if b.Offset() != 2 || b.Len() != 6 {
		t.Errorf("source changed: offset=%d len=%d", b.Offset(), b.Len())
	}

	c.Seek(0)
	c.WriteUint8(99)
	if b.Bytes()[1] != 2 {
		t.Error("writing to the clone changed the source")
	}

	rest := b.Clone(4, 0)
	if got := rest.Bytes(); !bytes.Equal(got, []byte{5, 6}) {
		t.Errorf("Clone to end = %v", got)
	}
}

func TestBufferWriteNestedBuffer(t *testing.T) {
	inner := NewBuffer(8)
	inner.WriteUint16(0x0A0B)
	inner.WriteUint8(0x0C)
	inner.Seek(1) // cursor is irrelevant for nesting

	outer := NewBuffer(8)
	outer.WriteUint8(0xFF)
	if !outer.WriteBuffer(inner) {
		t.Fatal("WriteBuffer failed")
	}
	want := []byte{0xFF, 0x0A, 0x0B, 0x0C}
	if got := outer.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes = % X, want % X", got, want)
	}

	small := NewBuffer(2)
	if small.WriteBuffer(inner) {
		t.Error("nested buffer larger than capacity should be refused")
	}
}
